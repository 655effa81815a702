package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/errors"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	assert.Equal(t, err, nil)
	assert.Equal(t, c.API.Listen, "127.0.0.1:8080")
	assert.Equal(t, c.Wait.Max, 120*time.Second)
	assert.Equal(t, c.Checkpoints.Validity, time.Hour)
	assert.Equal(t, c.Hints.UpgradeAfter, 5)
	assert.Equal(t, c.Dispatch.MaxValuePayload, 1<<20)
	assert.Equal(t, c.Webhook.MaxAttempts, 5)
	assert.Equal(t, c.Webhook.InitialBackoff, 500*time.Millisecond)
	assert.Equal(t, c.Socket.Outbox, 256)
	assert.Equal(t, c.Watcher.Enabled, false)
	assert.Equal(t, c.Log.Levels, "<root>=INFO")
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livefeed.yaml")
	yaml := "db:\n  dsn: postgres://localhost/livefeed\nwait:\n  max: 30s\n  default: 1m\nhints:\n  upgrade_after: 2\n"
	assert.Equal(t, os.WriteFile(path, []byte(yaml), 0o600), nil)
	t.Setenv("LIVEFEED_API_LISTEN", ":9999")

	c, err := Load(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, c.API.Listen, ":9999")
	assert.Equal(t, c.Wait.Max, 30*time.Second)
	// clamped to the maximum
	assert.Equal(t, c.Wait.Default, 30*time.Second)
	assert.Equal(t, c.Hints.UpgradeAfter, 2)
	assert.Equal(t, c.Watcher.Enabled, true)
}

func TestInvalid(t *testing.T) {
	t.Setenv("LIVEFEED_WEBHOOK_MAX_ATTEMPTS", "0")
	_, err := Load("")
	assert.Equal(t, errors.Is(err, errors.NotValid), true)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotEqual(t, err, nil)
}
