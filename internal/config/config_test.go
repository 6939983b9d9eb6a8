package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, DriverMemory, cfg.DecisionLog.Driver)
	assert.Equal(t, 2*time.Second, cfg.Engine.PersistTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Feed.Interval)
	assert.False(t, cfg.Feed.Autostart)
	assert.Equal(t, 60, cfg.Alerts.Threshold)
	assert.Equal(t, 64, cfg.Hub.SendBuffer)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fraud.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
engine:
  persist_timeout: 500ms
feed:
  autostart: true
alerts:
  threshold: 80
`), 0o600))
	t.Setenv("FRAUD_ALERTS_THRESHOLD", "90")
	t.Setenv("FRAUD_HUB_SEND_BUFFER", "8")

	cfg, err := Load(viper.New(), path)

	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.PersistTimeout)
	assert.True(t, cfg.Feed.Autostart)
	assert.Equal(t, 90, cfg.Alerts.Threshold, "environment wins over the file")
	assert.Equal(t, 8, cfg.Hub.SendBuffer)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(viper.New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"nats without url", func(c *Config) { c.Store.Driver = DriverNATS; c.Store.NATS.URL = "" }, "store.nats.url"},
		{"postgres without dsn", func(c *Config) { c.DecisionLog.Driver = DriverPostgres }, "decision_log.postgres.dsn"},
		{"zero persist timeout", func(c *Config) { c.Engine.PersistTimeout = 0 }, "engine.persist_timeout"},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }, "engine.workers"},
		{"threshold above 100", func(c *Config) { c.Alerts.Threshold = 101 }, "alerts.threshold"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
