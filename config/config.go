/*
config.go - Service configuration

PURPOSE:
  One Config value drives cmd/server. Sources are layered, later ones
  winning:

    defaults -> config file (.toml or .yaml/.yml) -> STAMPLEDGER_* env -> CLI flags

  Flags are applied by cmd/server after Load returns.

EXAMPLE (stamp-ledger.toml):
  [http]
  addr = ":8080"
  cors_origins = ["http://localhost:5173"]

  [storage]
  driver = "postgres"
  dsn = "postgres://ledger@localhost/ledger?sslmode=disable"
  lock_timeout = "3s"

  [log]
  level = "info"
  format = "json"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STAMPLEDGER_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Env       string          `toml:"env" yaml:"env"`
	HTTP      HTTPConfig      `toml:"http" yaml:"http"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Ledger    LedgerConfig    `toml:"ledger" yaml:"ledger"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Integrity IntegrityConfig `toml:"integrity" yaml:"integrity"`
}

type HTTPConfig struct {
	Addr            string        `toml:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `toml:"cors_origins" yaml:"cors_origins"`
	IdempotencyTTL  time.Duration `toml:"idempotency_ttl" yaml:"idempotency_ttl"`
	DevMode         bool          `toml:"dev_mode" yaml:"dev_mode"`
}

type StorageConfig struct {
	Driver      string        `toml:"driver" yaml:"driver"`
	DSN         string        `toml:"dsn" yaml:"dsn"`
	LockTimeout time.Duration `toml:"lock_timeout" yaml:"lock_timeout"`
}

type LedgerConfig struct {
	// AllowMissingCycleHistory permits reward rollback on accounts whose
	// cycle-completing stamp event is missing (legacy imports).
	AllowMissingCycleHistory bool `toml:"allow_missing_cycle_history" yaml:"allow_missing_cycle_history"`
}

type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	Format     string `toml:"format" yaml:"format"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// RateLimitConfig limits mutating requests per client. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `toml:"rps" yaml:"rps"`
	Burst int     `toml:"burst" yaml:"burst"`
}

// IntegrityConfig schedules background Verify runs. Interval 0 disables them.
type IntegrityConfig struct {
	Interval time.Duration `toml:"interval" yaml:"interval"`
}

// Default returns the built-in configuration: an in-memory dev server.
func Default() Config {
	return Config{
		Env: "dev",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
			IdempotencyTTL:  24 * time.Hour,
		},
		Storage: StorageConfig{
			Driver:      DriverSQLite,
			DSN:         "./stamp-ledger.db",
			LockTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Integrity: IntegrityConfig{Interval: time.Hour},
	}
}

// Load builds a Config from defaults, the optional file at path and the
// environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
		}
		return nil
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("ENV", &cfg.Env)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	dur("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	dur("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	dur("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	dur("HTTP_IDEMPOTENCY_TTL", &cfg.HTTP.IdempotencyTTL)
	boolean("HTTP_DEV_MODE", &cfg.HTTP.DevMode)
	if v, ok := lookup(EnvPrefix + "HTTP_CORS_ORIGINS"); ok {
		cfg.HTTP.CORSOrigins = splitList(v)
	}

	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_DSN", &cfg.Storage.DSN)
	dur("STORAGE_LOCK_TIMEOUT", &cfg.Storage.LockTimeout)
	boolean("LEDGER_ALLOW_MISSING_CYCLE_HISTORY", &cfg.Ledger.AllowMissingCycleHistory)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_FILE", &cfg.Log.File)

	if v, ok := lookup(EnvPrefix + "RATE_LIMIT_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", EnvPrefix, err))
		} else {
			cfg.RateLimit.RPS = rps
		}
	}
	integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	dur("INTEGRITY_INTERVAL", &cfg.Integrity.Interval)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory, sqlite or postgres", c.Storage.Driver))
	}
	if c.Storage.LockTimeout <= 0 {
		errs = append(errs, errors.New("storage.lock_timeout must be positive"))
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}
	if c.HTTP.IdempotencyTTL < 0 {
		errs = append(errs, errors.New("http.idempotency_ttl must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1 when rate limiting is on"))
	}
	if c.Integrity.Interval < 0 {
		errs = append(errs, errors.New("integrity.interval must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}
