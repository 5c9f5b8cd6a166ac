package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/stamp-ledger/api"
	"github.com/warp/stamp-ledger/observability/metrics"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		addr string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr != "" {
				rt.cfg.HTTP.Addr = addr
			}
			if dev {
				rt.cfg.HTTP.DevMode = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rt)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&dev, "dev", false, "mount the demo scenario routes")

	return cmd
}

// serve runs the API until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg
	m := metrics.New()

	handler := api.NewHandler(rt.store, rt.engine(m))
	handler.Logger = rt.logger

	scheduler := api.NewIntegrityScheduler(rt.store, rt.logger)
	scheduler.CheckInterval = cfg.Integrity.Interval
	scheduler.Observe = m.ObserveIntegrity
	handler.Integrity = scheduler

	var idem *api.IdempotencyCache
	if cfg.HTTP.IdempotencyTTL > 0 {
		idem = api.NewIdempotencyCache(cfg.HTTP.IdempotencyTTL)
		idem.OnReplay = m.ObserveIdempotentReplay
	}
	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	if limiter != nil {
		limiter.OnThrottle = m.ObserveThrottle
	}

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		DevMode:     cfg.HTTP.DevMode,
		Metrics:     m,
		RateLimiter: limiter,
		Idempotency: idem,
		Logger:      rt.logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting",
			"addr", cfg.HTTP.Addr,
			"driver", cfg.Storage.Driver,
			"dev_mode", cfg.HTTP.DevMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("server forced to shutdown", "error", err)
		return err
	}
	rt.logger.Info("server stopped")
	return nil
}
