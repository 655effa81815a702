package logger

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/juju/loggo"
)

func TestConfigure(t *testing.T) {
	assert.Equal(t, Configure("<root>=WARNING;livefeed.waiter=TRACE"), nil)
	assert.Equal(t, loggo.GetLogger("livefeed.waiter").LogLevel(), loggo.TRACE)
	assert.Equal(t, loggo.GetLogger("livefeed.api").EffectiveLogLevel(), loggo.WARNING)

	assert.NotEqual(t, Configure("<root>=LOUD"), nil)

	assert.Equal(t, Configure(""), nil)
	Verbose(false)
	assert.Equal(t, loggo.GetLogger("livefeed.api").EffectiveLogLevel(), loggo.DEBUG)
}
