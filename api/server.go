/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RealIP:       Client address from proxy headers
  3. RequestLog:   Structured request logging (slog)
  4. Recoverer:    Panic recovery (500 instead of crash)
  5. Metrics:      Prometheus request counters, labelled by route pattern
  6. CORS:         Cross-origin requests for the POS frontend

  Mutating stamp routes additionally get:
  7. RateLimit:    Per-client token bucket (429)
  8. Idempotency:  Idempotency-Key replay

ROUTE GROUPS:
  /api/stamps, /api/accounts/*   Stamp operations and reads
  /api/customers                 Member registration
  /api/gate                      Holiday Gate status
  /api/admin/*                   Undo and integrity checks
  /api/scenarios/*               Demo scenarios (dev mode only)
  /metrics, /healthz             Operations

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/stamp-ledger/observability/metrics"
)

// RouterOptions selects the optional middleware.
type RouterOptions struct {
	CORSOrigins []string
	DevMode     bool

	Metrics     *metrics.Metrics  // nil disables /metrics and request metrics
	RateLimiter *RateLimiter      // nil disables rate limiting
	Idempotency *IdempotencyCache // nil disables replay
	Logger      *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", IdempotencyHeader},
			ExposedHeaders:   []string{"Retry-After", "Idempotent-Replayed"},
			AllowCredentials: false,
		}))
	}

	mutating := func(route string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			if opts.Idempotency != nil {
				next = opts.Idempotency.Middleware(next)
			}
			return opts.RateLimiter.Middleware(route)(next)
		}
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.With(mutating("/api/stamps")).Post("/stamps", h.ApplyStamp)

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Get("/{code}", h.GetAccount)
			r.Get("/{code}/events", h.GetStampEvents)
			r.Get("/{code}/rewards", h.GetRewards)
			r.With(mutating("/api/accounts/{code}/stamps")).Post("/{code}/stamps", h.AddStamp)
		})

		r.With(mutating("/api/customers")).Post("/customers", h.CreateCustomer)
		r.Get("/gate", h.GetGateStatus)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.With(mutating("/api/admin/accounts/{code}/stamps/undo")).
				Post("/accounts/{code}/stamps/undo", h.RemoveStamp)
			r.Get("/integrity", h.RunIntegrityCheck)
		})

		// Scenario routes
		if opts.DevMode {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	return r
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.String("remote", r.RemoteAddr),
				slog.Duration("elapsed", time.Since(start)))
		})
	}
}
