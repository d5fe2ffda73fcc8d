package replication

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/platform/httputil"
	"lookup/pkg/platform/middleware/admin"
	"lookup/pkg/requestcontext"
)

// BasicAuthUser is the user name peers authenticate as.
const BasicAuthUser = "lookup"

// Exporter serves export pages.
type Exporter interface {
	Export(ctx context.Context, since int64, page int) ([]User, error)
}

// Handler serves GET /replication.
type Handler struct {
	exporter Exporter
	secret   string
	logger   *slog.Logger
}

// NewHandler creates a Handler accepting Basic "lookup:<secret>".
func NewHandler(exporter Exporter, secret string, logger *slog.Logger) *Handler {
	return &Handler{exporter: exporter, secret: secret, logger: logger}
}

// Register registers the export route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.With(admin.RequireBasicAuth(BasicAuthUser, h.secret, h.logger)).
		Get("/replication", h.handleExport)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	since, okSince := digits(q.Get("timestamp"))
	page, okPage := digits(q.Get("page"))
	if !okSince || !okPage {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "timestamp and page must be non-negative integers"))
		return
	}

	users, err := h.exporter.Export(ctx, since, int(page))
	if err != nil {
		h.logger.ErrorContext(ctx, "replication export failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, users)
}

// digits parses a string made only of ASCII digits.
func digits(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
