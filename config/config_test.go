package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "ledger.toml", `
env = "staging"

[http]
addr = ":9090"
cors_origins = ["https://pos.example.com"]
idempotency_ttl = "2h"

[storage]
driver = "postgres"
dsn = "postgres://ledger@db/ledger"
lock_timeout = "3s"

[ledger]
allow_missing_cycle_history = true

[rate_limit]
rps = 5.0
burst = 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://pos.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 2*time.Hour, cfg.HTTP.IdempotencyTTL)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 3*time.Second, cfg.Storage.LockTimeout)
	assert.True(t, cfg.Ledger.AllowMissingCycleHistory)
	assert.Equal(t, 5.0, cfg.RateLimit.RPS)

	// Untouched keys keep their defaults.
	assert.Equal(t, Default().HTTP.ShutdownTimeout, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "ledger.yaml", `
storage:
  driver: memory
  lock_timeout: 750ms
log:
  level: debug
  format: text
integrity:
  interval: 0s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 750*time.Millisecond, cfg.Storage.LockTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Duration(0), cfg.Integrity.Interval)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "ledger.toml", "[storage]\ndriverr = \"sqlite\"\n"))
	assert.ErrorContains(t, err, "unknown keys")

	_, err = Load(writeFile(t, "ledger.yml", "storage:\n  driverr: sqlite\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "ledger.json", "{}"))
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "ledger.toml", "[storage]\ndriver = \"sqlite\"\ndsn = \"/tmp/a.db\"\n")
	t.Setenv("STAMPLEDGER_STORAGE_DSN", "/tmp/b.db")
	t.Setenv("STAMPLEDGER_STORAGE_LOCK_TIMEOUT", "250ms")
	t.Setenv("STAMPLEDGER_HTTP_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STAMPLEDGER_RATE_LIMIT_RPS", "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b.db", cfg.Storage.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.LockTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	assert.Zero(t, cfg.RateLimit.RPS)
}

func TestApplyEnv_ReportsBadValues(t *testing.T) {
	env := map[string]string{
		"STAMPLEDGER_STORAGE_LOCK_TIMEOUT": "soon",
		"STAMPLEDGER_RATE_LIMIT_BURST":     "many",
		"STAMPLEDGER_HTTP_DEV_MODE":        "sure",
	}
	cfg := Default()
	err := applyEnv(&cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })

	require.Error(t, err)
	assert.ErrorContains(t, err, "STAMPLEDGER_STORAGE_LOCK_TIMEOUT")
	assert.ErrorContains(t, err, "STAMPLEDGER_RATE_LIMIT_BURST")
	assert.ErrorContains(t, err, "STAMPLEDGER_HTTP_DEV_MODE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"missing dsn", func(c *Config) { c.Storage.DSN = "" }, "storage.dsn"},
		{"zero lock timeout", func(c *Config) { c.Storage.LockTimeout = 0 }, "lock_timeout"},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }, "rate_limit.burst"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Storage.Driver = DriverMemory
	cfg.Storage.DSN = ""
	assert.NoError(t, cfg.Validate())
}
