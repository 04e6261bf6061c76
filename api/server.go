/*
server.go - Ops HTTP router and middleware configuration

PURPOSE:
  Configures the chi router that exposes process health, Prometheus
  metrics and the lifecycle sweep controls. Ledger commands are not
  exposed over HTTP; they are called in-process through command.Handler.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request logging (slog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    In-flight, latency and status counters

ROUTES:
  GET  /healthz      Liveness, always 200 while the process serves
  GET  /readyz       Readiness, pings the event store
  GET  /metrics      Prometheus exposition
  GET  /ops/sweep    Last sweep report and next run time
  POST /ops/sweep    Run one sweep now

SECURITY NOTE:
  No authentication. Bind the ops port to a private interface.

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

	"github.com/warp/points-ledger/obs"
)

// NewRouter creates the ops router.
func NewRouter(h *Handler, metrics *obs.Metrics, log *slog.Logger) *chi.Mux {
	if log == nil {
		log = slog.Default()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if metrics != nil {
		r.Use(metrics.Instrument)
	}

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/ops", func(r chi.Router) {
		r.Get("/sweep", h.SweepStatus)
		r.Post("/sweep", h.TriggerSweep)
	})

	return r
}

// requestLogger logs one line per request at the end of the request.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				log.InfoContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
