// Package search answers directory queries ranked by karma.
package search

import (
	"context"
	"errors"
	"log/slog"

	"lookup/internal/directory/models"
	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/platform/sentinel"
)

// Store is the read side of the directory.
type Store interface {
	FindIdentity(ctx context.Context, fid models.FederationID) (*models.Identity, error)
	ListAttributes(ctx context.Context, identityID int64) ([]models.Attribute, error)
	ListAttributesFor(ctx context.Context, identityIDs []int64) (map[int64][]models.Attribute, error)
	CountAttributeValue(ctx context.Context, key models.AttributeKey, value string) (int, error)
	SearchIdentities(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error)
}

// Service runs searches.
type Service struct {
	store       Store
	globalScale bool
	order       models.KarmaOrder
	logger      *slog.Logger
	metrics     *Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithOrder overrides the karma ordering. Ascending is the default.
func WithOrder(o models.KarmaOrder) Option {
	return func(s *Service) { s.order = o }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records search counts.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a search Service. In global scale mode identities without any
// verified attribute are searchable too.
func New(store Store, globalScale bool, opts ...Option) *Service {
	s := &Service{
		store:       store,
		globalScale: globalScale,
		order:       models.KarmaAscending,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MinKarma is the karma an identity needs to be found.
func (s *Service) MinKarma() int {
	if s.globalScale {
		return 0
	}
	return 1
}

// Result is what a search renders: a single view for exact lookups that
// found something, a list otherwise.
type Result struct {
	Single *models.IdentityView
	List   []models.IdentityView
}

// Body returns the value to encode as the response.
func (r Result) Body() any {
	if r.Single != nil {
		return r.Single
	}
	if r.List == nil {
		return []models.IdentityView{}
	}
	return r.List
}

// Search runs req.
func (s *Service) Search(ctx context.Context, req Request) (Result, error) {
	if req.Term == "" {
		return Result{}, dErrors.New(dErrors.CodeNotFound, "search term is required")
	}

	if req.ExactCloudID {
		s.metrics.IncrementSearch(ModeCloudID)
		view, err := s.exactCloudID(ctx, models.FederationID(req.Term))
		if err != nil || view == nil {
			return Result{}, err
		}
		return Result{Single: view}, nil
	}

	sharedEmail := false
	if LooksLikeEmail(req.Term) {
		n, err := s.store.CountAttributeValue(ctx, models.KeyEmail, req.Term)
		if err != nil {
			return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to search")
		}
		sharedEmail = n > 1
	}

	mode := ModeLike
	if req.Exact {
		mode = ModeExact
	}
	s.metrics.IncrementSearch(mode)

	q, ok := BuildQuery(req, sharedEmail, s.MinKarma(), s.order)
	if !ok {
		return Result{List: []models.IdentityView{}}, nil
	}
	hits, err := s.store.SearchIdentities(ctx, q)
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to search")
	}
	views, err := s.views(ctx, hits)
	if err != nil {
		return Result{}, err
	}

	if req.Exact && len(views) > 0 {
		return Result{Single: &views[0]}, nil
	}
	return Result{List: views}, nil
}

func (s *Service) exactCloudID(ctx context.Context, fid models.FederationID) (*models.IdentityView, error) {
	identity, err := s.store.FindIdentity(ctx, fid)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to search")
	}
	attrs, err := s.store.ListAttributes(ctx, identity.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to search")
	}
	view := models.NewIdentityView(*identity, attrs)
	return &view, nil
}

func (s *Service) views(ctx context.Context, hits []models.SearchHit) ([]models.IdentityView, error) {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.Identity.ID
	}
	attrs, err := s.store.ListAttributesFor(ctx, ids)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load attributes")
	}
	views := make([]models.IdentityView, 0, len(hits))
	for _, h := range hits {
		views = append(views, models.NewIdentityView(h.Identity, attrs[h.Identity.ID]))
	}
	return views, nil
}
