package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
)

// ReadinessCheck reports whether one dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// RouterConfig wires the gateway's HTTP surface.
type RouterConfig struct {
	Logger    *zap.Logger
	Handler   *Handler
	WebSocket http.Handler
	Limiter   Limiter // nil disables rate limiting
	RateLimit int
	Readiness map[string]ReadinessCheck
}

// NewRouter builds the gateway router. The websocket route sits outside the
// request timeout and the response wrappers, which cannot be hijacked.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(metrics.Middleware)
		r.Use(RequestLogger(cfg.Logger))

		r.Route("/v1", func(r chi.Router) {
			r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit, cfg.Logger, ClientKeyFunc))
			cfg.Handler.Routes(r)
		})

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
			for name, check := range cfg.Readiness {
				if err := check(r.Context()); err != nil {
					cfg.Logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
					writeProblem(w, http.StatusServiceUnavailable, "not_ready", "Dependency unavailable", name+": "+err.Error())
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("READY"))
		})
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
