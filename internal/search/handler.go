package search

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lookup/pkg/platform/httputil"
	"lookup/pkg/requestcontext"
)

// Searcher runs directory searches.
type Searcher interface {
	Search(ctx context.Context, req Request) (Result, error)
}

// Handler serves GET /users.
type Handler struct {
	searcher Searcher
	logger   *slog.Logger
}

// NewHandler creates a search Handler.
func NewHandler(searcher Searcher, logger *slog.Logger) *Handler {
	return &Handler{searcher: searcher, logger: logger}
}

// Register registers the search route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/users", h.handleSearch)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	req := Request{
		Term:         q.Get("search"),
		ExactCloudID: flag(q.Get("exactCloudId")),
		Exact:        flag(q.Get("exact")),
	}
	if req.Exact {
		req.Keys = ParseKeys(q.Get("keys"))
	}

	result, err := h.searcher.Search(ctx, req)
	if err != nil {
		h.logger.WarnContext(ctx, "search failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result.Body())
}

// flag reads a 0/1 style query parameter.
func flag(v string) bool {
	switch v {
	case "1", "true":
		return true
	default:
		return false
	}
}
