package emailconfirm

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lookup/pkg/platform/httputil"
	"lookup/pkg/requestcontext"
)

// Confirmer consumes confirmation tokens.
type Confirmer interface {
	Confirm(ctx context.Context, token string) error
}

// Handler serves the confirmation link.
type Handler struct {
	confirmer Confirmer
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(confirmer Confirmer, logger *slog.Logger) *Handler {
	return &Handler{confirmer: confirmer, logger: logger}
}

// Register registers the confirmation route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get(RoutePrefix+"{token}", h.handleConfirm)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.confirmer.Confirm(ctx, chi.URLParam(r, "token")); err != nil {
		h.logger.WarnContext(ctx, "email confirmation failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Email verified")
}
