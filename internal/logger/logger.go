// Package logger configures loggo for the livefeed binaries.
package logger

import (
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

// Configure applies a loggo specification such as
// "<root>=INFO;livefeed.waiter=TRACE".
func Configure(spec string) error {
	if spec == "" {
		spec = "<root>=INFO"
	}
	loggo.DefaultContext().ResetLoggerLevels()
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return errors.Annotatef(err, "log levels %q", spec)
	}
	return nil
}

// Verbose lowers the livefeed loggers to DEBUG, or TRACE when trace is set.
func Verbose(trace bool) {
	level := loggo.DEBUG
	if trace {
		level = loggo.TRACE
	}
	loggo.GetLogger("livefeed").SetLogLevel(level)
}
