package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm/logger"

	"github.com/warp/stamp-ledger/config"
	"github.com/warp/stamp-ledger/loyalty"
	"github.com/warp/stamp-ledger/loyalty/store"
	"github.com/warp/stamp-ledger/observability/logging"
	"github.com/warp/stamp-ledger/store/gormstore"
	"github.com/warp/stamp-ledger/store/sqlite"
)

// now is the clock for CLI-driven ledger operations.
var now = time.Now

// runtime holds everything a command needs. Close releases it in reverse
// order of construction.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	store   loyalty.LedgerStore
	closers []io.Closer
}

// loadConfig layers the command-line flags over config.Load.
func (g *globalFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.driver != "" {
		cfg.Storage.Driver = g.driver
	}
	if g.dsn != "" {
		cfg.Storage.DSN = g.dsn
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newRuntime(g *globalFlags, logOut io.Writer) (*runtime, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	rt := &runtime{cfg: cfg}

	logOpts := logging.Options{
		Service:    "stamp-ledger",
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if logOut != nil {
		rt.logger, err = logging.New(logOut, logOpts)
	} else {
		var closer io.Closer
		rt.logger, closer, err = logging.Setup(logOpts)
		if closer != nil {
			rt.closers = append(rt.closers, closer)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = st
	rt.closers = append(rt.closers, st)

	rt.logger.Debug("store opened", "driver", cfg.Storage.Driver)
	return rt, nil
}

// engine builds a ledger engine on the runtime's store.
func (rt *runtime) engine(observer loyalty.Observer) *loyalty.Engine {
	return loyalty.NewEngine(rt.store, loyalty.Options{
		Now:                      now,
		Logger:                   rt.logger,
		Observer:                 observer,
		AllowMissingCycleHistory: rt.cfg.Ledger.AllowMissingCycleHistory,
	})
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// openStore selects the storage backend for cfg.Driver.
func openStore(cfg config.StorageConfig) (loyalty.LedgerStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(cfg.LockTimeout), nil
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.DSN, cfg.LockTimeout)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := gormstore.Open(postgres.Open(cfg.DSN), gormstore.Options{
			LockTimeout: cfg.LockTimeout,
			LogLevel:    logger.Warn,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// parseInstant accepts RFC 3339 or a bare YYYY-MM-DD (midnight UTC).
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
