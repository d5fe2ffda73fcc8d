// Package httptransport assembles the HTTP surface: middleware, domain
// routes, status and metrics endpoints.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"lookup/internal/platform/metrics"
	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/platform/httputil"
	"lookup/pkg/platform/middleware/metadata"
	"lookup/pkg/platform/middleware/request"
	"lookup/pkg/platform/middleware/requesttime"
)

// Routes is implemented by every domain handler.
type Routes interface {
	Register(r chi.Router)
}

// NewRouter wires the shared middleware chain and mounts routes.
func NewRouter(logger *slog.Logger, m *metrics.Metrics, version string, routes ...Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(logger))
	r.Use(chimw.Recoverer)
	if m != nil {
		r.Use(m.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "route not found"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"version": version})
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	for _, rt := range routes {
		rt.Register(r)
	}
	return r
}
