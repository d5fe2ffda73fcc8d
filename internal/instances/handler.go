package instances

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/platform/httputil"
	"lookup/pkg/platform/middleware/admin"
	"lookup/pkg/requestcontext"
)

// Lister lists instances.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Handler serves POST /gs/instances.
type Handler struct {
	lister  Lister
	authKey string
	logger  *slog.Logger
}

// NewHandler creates a Handler guarded by authKey.
func NewHandler(lister Lister, authKey string, logger *slog.Logger) *Handler {
	return &Handler{lister: lister, authKey: authKey, logger: logger}
}

// Register registers the instance route with the chi router. Only routed in
// global scale mode.
func (h *Handler) Register(r chi.Router) {
	r.Post("/gs/instances", h.handleList)
}

// ListRequest is the body of POST /gs/instances.
type ListRequest struct {
	AuthKey *string `json:"authKey"`
}

func (r *ListRequest) Validate() error {
	if r.AuthKey == nil {
		return dErrors.New(dErrors.CodeBadRequest, "authKey is required")
	}
	return nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[ListRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if !admin.ValidAuthKey(*req.AuthKey, h.authKey) {
		h.logger.WarnContext(ctx, "instances auth key rejected", "request_id", requestID)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "invalid auth key"))
		return
	}

	instances, err := h.lister.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list instances",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, instances)
}
