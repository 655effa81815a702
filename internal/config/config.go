// Package config loads livefeed settings from defaults, an optional YAML
// file and LIVEFEED_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/viper"
)

type Config struct {
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	API struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"api"`

	Wait struct {
		Max     time.Duration `mapstructure:"max"`
		Default time.Duration `mapstructure:"default"`
	} `mapstructure:"wait"`

	Checkpoints struct {
		Validity time.Duration `mapstructure:"validity"`
	} `mapstructure:"checkpoints"`

	Hints struct {
		UpgradeAfter int `mapstructure:"upgrade_after"`
	} `mapstructure:"hints"`

	Dispatch struct {
		MaxValuePayload int `mapstructure:"max_value_payload"`
	} `mapstructure:"dispatch"`

	Webhook struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		Timeout        time.Duration `mapstructure:"timeout"`
	} `mapstructure:"webhook"`

	Stream struct {
		Heartbeat time.Duration `mapstructure:"heartbeat"`
		Retry     time.Duration `mapstructure:"retry"`
	} `mapstructure:"stream"`

	Socket struct {
		Outbox int `mapstructure:"outbox"`
	} `mapstructure:"socket"`

	Watcher struct {
		Enabled      bool `mapstructure:"enabled"`
		DedupeWindow int  `mapstructure:"dedupe_window"`
	} `mapstructure:"watcher"`

	Worker struct {
		PruneInterval time.Duration `mapstructure:"prune_interval"`
	} `mapstructure:"worker"`

	Log struct {
		Levels string `mapstructure:"levels"`
	} `mapstructure:"log"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("db.dsn", "")
	v.SetDefault("wait.max", 120*time.Second)
	v.SetDefault("wait.default", time.Duration(0))
	v.SetDefault("checkpoints.validity", time.Hour)
	v.SetDefault("hints.upgrade_after", 5)
	v.SetDefault("dispatch.max_value_payload", 1<<20)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.initial_backoff", 500*time.Millisecond)
	v.SetDefault("webhook.max_backoff", 30*time.Second)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("stream.heartbeat", 15*time.Second)
	v.SetDefault("stream.retry", 5*time.Second)
	v.SetDefault("socket.outbox", 256)
	v.SetDefault("watcher.dedupe_window", 256)
	v.SetDefault("worker.prune_interval", 5*time.Minute)
	v.SetDefault("log.levels", "<root>=INFO")

	// Env overrides: LIVEFEED_WAIT_MAX, LIVEFEED_DB_DSN, ...
	v.SetEnvPrefix("LIVEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("db.dsn", "LIVEFEED_DB_DSN")
	_ = v.BindEnv("api.listen", "LIVEFEED_API_LISTEN")
	_ = v.BindEnv("watcher.enabled", "LIVEFEED_WATCHER_ENABLED")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Annotate(err, "read config")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Annotate(err, "unmarshal config")
	}
	// The LISTEN/NOTIFY bridge only makes sense with a database.
	if !v.IsSet("watcher.enabled") {
		c.Watcher.Enabled = c.DB.DSN != ""
	}
	if c.DB.DSN == "" {
		c.Watcher.Enabled = false
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.API.Listen == "" {
		return errors.NotValidf("empty api.listen")
	}
	if c.Wait.Max <= 0 {
		return errors.NotValidf("wait.max %s", c.Wait.Max)
	}
	if c.Wait.Default > c.Wait.Max {
		c.Wait.Default = c.Wait.Max
	}
	if c.Webhook.MaxAttempts <= 0 {
		return errors.NotValidf("webhook.max_attempts %d", c.Webhook.MaxAttempts)
	}
	if c.Hints.UpgradeAfter < 0 {
		return errors.NotValidf("hints.upgrade_after %d", c.Hints.UpgradeAfter)
	}
	return nil
}
