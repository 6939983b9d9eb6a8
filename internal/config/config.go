package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FRAUD"

const (
	DriverMemory   = "memory"
	DriverNATS     = "nats"
	DriverPostgres = "postgres"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	DecisionLog DecisionLogConfig `mapstructure:"decision_log"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Hub         HubConfig         `mapstructure:"hub"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Security    SecurityConfig    `mapstructure:"security"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	AllowedOrigin string        `mapstructure:"allowed_origin"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver string     `mapstructure:"driver"`
	NATS   NATSConfig `mapstructure:"nats"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
}

type DecisionLogConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type EngineConfig struct {
	PersistTimeout  time.Duration `mapstructure:"persist_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Workers         int           `mapstructure:"workers"`
}

type HubConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type FeedConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Autostart bool          `mapstructure:"autostart"`
	Currency  string        `mapstructure:"currency"`
}

type AlertsConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Threshold int  `mapstructure:"threshold"`
	Workers   int  `mapstructure:"workers"`
	QueueSize int  `mapstructure:"queue_size"`
}

type SecurityConfig struct {
	SigningKey string `mapstructure:"signing_key"`
}

// SetDefaults registers every key so environment variables can override
// keys that never appear in a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origin", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("store.nats.bucket", "fraud_rules")

	v.SetDefault("decision_log.driver", DriverMemory)
	v.SetDefault("decision_log.postgres.dsn", "")

	v.SetDefault("engine.persist_timeout", 2*time.Second)
	v.SetDefault("engine.refresh_interval", 30*time.Second)
	v.SetDefault("engine.workers", 10)

	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.write_timeout", 10*time.Second)
	v.SetDefault("hub.ping_interval", 30*time.Second)

	v.SetDefault("feed.interval", 1500*time.Millisecond)
	v.SetDefault("feed.autostart", false)
	v.SetDefault("feed.currency", "INR")

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.threshold", 60)
	v.SetDefault("alerts.workers", 3)
	v.SetDefault("alerts.queue_size", 1000)

	v.SetDefault("security.signing_key", "")
}

// Load reads path (optional) and FRAUD_* environment variables on top of
// the defaults. FRAUD_ENGINE_PERSIST_TIMEOUT sets engine.persist_timeout.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverNATS:
		if c.Store.NATS.URL == "" {
			errs = append(errs, errors.New("store.nats.url is required for the nats driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, nats", c.Store.Driver))
	}

	switch c.DecisionLog.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DecisionLog.Postgres.DSN == "" {
			errs = append(errs, errors.New("decision_log.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("decision_log.driver %q is not one of memory, postgres", c.DecisionLog.Driver))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"engine.persist_timeout", c.Engine.PersistTimeout},
		{"engine.refresh_interval", c.Engine.RefreshInterval},
		{"hub.write_timeout", c.Hub.WriteTimeout},
		{"hub.ping_interval", c.Hub.PingInterval},
		{"feed.interval", c.Feed.Interval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.d))
		}
	}

	sizes := []struct {
		key string
		n   int
	}{
		{"engine.workers", c.Engine.Workers},
		{"hub.send_buffer", c.Hub.SendBuffer},
		{"alerts.workers", c.Alerts.Workers},
		{"alerts.queue_size", c.Alerts.QueueSize},
	}
	for _, s := range sizes {
		if s.n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", s.key, s.n))
		}
	}

	if c.Alerts.Threshold < 0 || c.Alerts.Threshold > 100 {
		errs = append(errs, fmt.Errorf("alerts.threshold must be within [0, 100], got %d", c.Alerts.Threshold))
	}

	return errors.Join(errs...)
}
