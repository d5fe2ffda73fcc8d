// Package handler serves claim registration, deletion and the global scale
// batch endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lookup/internal/directory/metrics"
	"lookup/internal/directory/models"
	"lookup/internal/signature"
	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/platform/httputil"
	"lookup/pkg/platform/middleware/admin"
	"lookup/pkg/requestcontext"
)

const maxEnvelopeBytes = 1 << 20

// Service applies verified claims.
type Service interface {
	UpsertClaim(ctx context.Context, claim models.Claim) (bool, error)
	DeleteClaim(ctx context.Context, fid models.FederationID, timestamp int64) (bool, error)
	BatchRegister(ctx context.Context, claims []models.Claim) (int, error)
	BatchDelete(ctx context.Context, fids []models.FederationID) (int, error)
	BatchDetails(ctx context.Context, fids []models.FederationID) (map[models.FederationID]string, error)
}

// Verifier authenticates claim envelopes.
type Verifier interface {
	VerifyEnvelope(ctx context.Context, body []byte) (*signature.Envelope, error)
}

// Handler handles /users and /gs/users.
type Handler struct {
	service     Service
	verifier    Verifier
	logger      *slog.Logger
	metrics     *metrics.Metrics
	globalScale bool
	authKey     string
}

// New creates a Handler. authKey guards the batch endpoints, which are only
// routed when globalScale is set.
func New(service Service, verifier Verifier, logger *slog.Logger, m *metrics.Metrics, globalScale bool, authKey string) *Handler {
	return &Handler{
		service:     service,
		verifier:    verifier,
		logger:      logger,
		metrics:     m,
		globalScale: globalScale,
		authKey:     authKey,
	}
}

// Register registers the directory routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/users", h.handleRegister)
	r.Delete("/users", h.handleDelete)
	if h.globalScale {
		r.Post("/gs/users", h.handleBatchRegister)
		r.Delete("/gs/users", h.handleBatchDelete)
		r.Post("/gs/users/details", h.handleBatchDetails)
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	env, ok := h.verifyEnvelope(w, r)
	if !ok {
		return
	}

	claim := models.DecodeClaim(env.FederationID, env.Data, env.Timestamp)
	accepted, err := h.service.UpsertClaim(ctx, claim)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to apply claim",
			"request_id", requestID,
			"federation_id", env.FederationID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if !accepted {
		h.logger.InfoContext(ctx, "claim not newer than stored record",
			"request_id", requestID,
			"federation_id", env.FederationID,
			"timestamp", env.Timestamp,
		)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	env, ok := h.verifyEnvelope(w, r)
	if !ok {
		return
	}

	found, err := h.service.DeleteClaim(ctx, env.FederationID, env.Timestamp)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to delete claim",
			"request_id", requestID,
			"federation_id", env.FederationID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if !found {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "identity not found"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// verifyEnvelope reads and authenticates the request body. Structural
// problems and key retrieval failures are 400, a wrong signature is 403.
func (h *Handler) verifyEnvelope(w http.ResponseWriter, r *http.Request) (*signature.Envelope, bool) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "failed to read request body"))
		return nil, false
	}

	env, err := h.verifier.VerifyEnvelope(ctx, body)
	switch {
	case err == nil:
		return env, true
	case errors.Is(err, signature.ErrUnverified):
		h.metrics.IncrementClaim(metrics.ResultUnverified)
		h.logger.WarnContext(ctx, "claim signature rejected",
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "signature verification failed"))
	case errors.Is(err, signature.ErrMalformedEnvelope):
		h.metrics.IncrementClaim(metrics.ResultMalformed)
		h.logger.WarnContext(ctx, "malformed claim envelope",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed claim envelope"))
	default:
		h.metrics.IncrementClaim(metrics.ResultMalformed)
		h.logger.WarnContext(ctx, "claim signature could not be checked",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "signature could not be verified"))
	}
	return nil, false
}

func (h *Handler) handleBatchRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[BatchRegisterRequest](w, r, h.logger, ctx, requestID)
	if !ok || !h.authorize(w, r, *req.AuthKey) {
		return
	}

	claims := make([]models.Claim, 0, len(req.Users))
	for fid, data := range req.Users {
		claims = append(claims, models.DecodeClaim(models.FederationID(fid), data, 0))
	}
	accepted, err := h.service.BatchRegister(ctx, claims)
	if err != nil {
		h.logger.ErrorContext(ctx, "batch register failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "batch register",
		"request_id", requestID,
		"submitted", len(claims),
		"accepted", accepted,
	)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[BatchIDsRequest](w, r, h.logger, ctx, requestID)
	if !ok || !h.authorize(w, r, *req.AuthKey) {
		return
	}

	deleted, err := h.service.BatchDelete(ctx, req.FederationIDs())
	if err != nil {
		h.logger.ErrorContext(ctx, "batch delete failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "batch delete",
		"request_id", requestID,
		"submitted", len(req.Users),
		"deleted", deleted,
	)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleBatchDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[BatchIDsRequest](w, r, h.logger, ctx, requestID)
	if !ok || !h.authorize(w, r, *req.AuthKey) {
		return
	}

	details, err := h.service.BatchDetails(ctx, req.FederationIDs())
	if err != nil {
		h.logger.ErrorContext(ctx, "batch details failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, provided string) bool {
	if admin.ValidAuthKey(provided, h.authKey) {
		return true
	}
	ctx := r.Context()
	h.logger.WarnContext(ctx, "batch auth key rejected",
		"request_id", requestcontext.RequestID(ctx),
		"path", r.URL.Path,
	)
	httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "invalid auth key"))
	return false
}

// BatchRegisterRequest is the body of POST /gs/users.
type BatchRegisterRequest struct {
	AuthKey *string                               `json:"authKey"`
	Users   map[string]map[string]json.RawMessage `json:"users"`
}

func (r *BatchRegisterRequest) Validate() error {
	if r.AuthKey == nil {
		return dErrors.New(dErrors.CodeBadRequest, "authKey is required")
	}
	if r.Users == nil {
		return dErrors.New(dErrors.CodeBadRequest, "users is required")
	}
	return nil
}

// BatchIDsRequest is the body of DELETE /gs/users and POST /gs/users/details.
type BatchIDsRequest struct {
	AuthKey *string  `json:"authKey"`
	Users   []string `json:"users"`
}

func (r *BatchIDsRequest) Validate() error {
	if r.AuthKey == nil {
		return dErrors.New(dErrors.CodeBadRequest, "authKey is required")
	}
	if r.Users == nil {
		return dErrors.New(dErrors.CodeBadRequest, "users is required")
	}
	return nil
}

// FederationIDs returns the requested ids.
func (r *BatchIDsRequest) FederationIDs() []models.FederationID {
	out := make([]models.FederationID, 0, len(r.Users))
	for _, u := range r.Users {
		out = append(out, models.FederationID(u))
	}
	return out
}
