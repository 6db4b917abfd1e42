// Package httptransport assembles the HTTP surface: middleware chain,
// domain handler mounts, health and metrics endpoints.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kehilla/internal/platform/metrics"
	"kehilla/internal/platform/middleware"
)

// Registrar is implemented by every domain handler package.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter builds the service router. Handlers stay thin; cross-cutting
// concerns live in the middleware chain.
func NewRouter(logger *slog.Logger, m *metrics.Metrics, handlers ...Registrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)
	r.Use(middleware.Latency(m))

	for _, h := range handlers {
		h.Register(r)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
