// Package service applies signed claims to the identity directory.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lookup/internal/directory/metrics"
	"lookup/internal/directory/models"
	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/platform/audit"
	"lookup/pkg/platform/sentinel"
	"lookup/pkg/requestcontext"
)

// Store is the persistence the claim path needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error

	FindIdentity(ctx context.Context, fid models.FederationID) (*models.Identity, error)
	CreateIdentity(ctx context.Context, fid models.FederationID, lastModified int64) (*models.Identity, error)
	AdvanceLastModified(ctx context.Context, id int64, timestamp int64) (bool, error)

	ListAttributes(ctx context.Context, identityID int64) ([]models.Attribute, error)
	ListAttributesFor(ctx context.Context, identityIDs []int64) (map[int64][]models.Attribute, error)
	InsertAttribute(ctx context.Context, a *models.Attribute) error
	UpdateAttributeValue(ctx context.Context, id int64, value string) error
	DeleteAttribute(ctx context.Context, id int64) error
	DeleteAttributes(ctx context.Context, identityID int64) error

	FindPendingByAttribute(ctx context.Context, attributeID int64) (*models.PendingVerification, error)
	InsertPending(ctx context.Context, p *models.PendingVerification) error
	DeletePendingByAttribute(ctx context.Context, attributeID int64) error
}

// EmailConfirmer issues a confirmation token for a stored email attribute.
type EmailConfirmer interface {
	RequestConfirmation(ctx context.Context, attributeID int64, email string) error
}

// InstanceHook is told about identities the directory learns of.
type InstanceHook interface {
	OnIdentityAdded(ctx context.Context, fid models.FederationID) error
}

// Auditor records directory changes. An Emit failure aborts the change.
type Auditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// Service applies claims. Claims are expected to be signature-verified already.
type Service struct {
	store     Store
	emails    EmailConfirmer
	instances InstanceHook
	auditor   Auditor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEmailConfirmer enables email confirmation side effects.
func WithEmailConfirmer(c EmailConfirmer) Option {
	return func(s *Service) { s.emails = c }
}

// WithInstanceHook reports newly created identities to the instance directory.
func WithInstanceHook(h InstanceHook) Option {
	return func(s *Service) { s.instances = h }
}

// WithAuditor records claim and delete events inside their transaction.
func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records claim outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the wall clock used for batch registration and deletes.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// emailEffect is a confirmation to request once the claim has committed.
type emailEffect struct {
	attributeID int64
	email       string
}

// UpsertClaim applies claim and reports whether it was accepted. A claim whose
// timestamp is not newer than the stored record is rejected without mutation.
func (s *Service) UpsertClaim(ctx context.Context, claim models.Claim) (bool, error) {
	if _, _, ok := claim.FederationID.Split(); !ok {
		return false, dErrors.New(dErrors.CodeBadRequest, "malformed federation id")
	}
	start := time.Now()
	defer s.metrics.ObserveApply(start)

	var (
		accepted bool
		created  bool
		effects  []emailEffect
	)
	err := s.store.RunInTx(ctx, func(txCtx context.Context) error {
		accepted, created, effects = false, false, nil

		identity, err := s.store.FindIdentity(txCtx, claim.FederationID)
		if errors.Is(err, sentinel.ErrNotFound) {
			identity, err = s.store.CreateIdentity(txCtx, claim.FederationID, claim.Timestamp)
			if err == nil {
				accepted, created = true, true
				if effects, err = s.insertAll(txCtx, identity.ID, claim); err != nil {
					return err
				}
				return s.emit(txCtx, claim.FederationID, audit.EventIdentityCreated)
			}
			if !errors.Is(err, sentinel.ErrConflict) {
				return fmt.Errorf("create identity: %w", err)
			}
			// A concurrent claim created the identity first; apply as an update.
			identity, err = s.store.FindIdentity(txCtx, claim.FederationID)
		}
		if err != nil {
			return fmt.Errorf("find identity: %w", err)
		}

		advanced, err := s.store.AdvanceLastModified(txCtx, identity.ID, claim.Timestamp)
		if err != nil {
			return fmt.Errorf("advance last modified: %w", err)
		}
		if !advanced {
			return nil
		}
		accepted = true
		if effects, err = s.applyUpdate(txCtx, identity.ID, claim); err != nil {
			return err
		}
		return s.emit(txCtx, claim.FederationID, audit.EventIdentityUpdated)
	})
	if err != nil {
		s.metrics.IncrementClaim(metrics.ResultError)
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to apply claim")
	}

	if !accepted {
		s.metrics.IncrementClaim(metrics.ResultStale)
		s.logger.InfoContext(ctx, "stale claim ignored",
			"federation_id", claim.FederationID,
			"timestamp", claim.Timestamp,
		)
		return false, nil
	}
	s.metrics.IncrementClaim(metrics.ResultAccepted)

	s.runEmailEffects(ctx, claim.FederationID, effects)
	if created && s.instances != nil {
		if err := s.instances.OnIdentityAdded(ctx, claim.FederationID); err != nil {
			s.logger.WarnContext(ctx, "failed to record instance",
				"federation_id", claim.FederationID,
				"error", err,
			)
		}
	}
	return true, nil
}

func (s *Service) emit(ctx context.Context, fid models.FederationID, action audit.AuditEvent) error {
	if s.auditor == nil {
		return nil
	}
	return s.auditor.Emit(ctx, audit.ComplianceEvent{
		Timestamp:    requestcontext.Now(ctx),
		FederationID: string(fid),
		Action:       action,
		Decision:     "accepted",
		RequestID:    requestcontext.RequestID(ctx),
	})
}

func (s *Service) insertAll(ctx context.Context, identityID int64, claim models.Claim) ([]emailEffect, error) {
	var effects []emailEffect
	for _, key := range models.ClaimKeys() {
		value := claim.Value(key)
		if value == "" {
			continue
		}
		attr := &models.Attribute{IdentityID: identityID, Key: key, Value: value}
		if err := s.store.InsertAttribute(ctx, attr); err != nil {
			return nil, fmt.Errorf("insert attribute %s: %w", key, err)
		}
		effects = appendValueEffects(effects, *attr)
	}
	return effects, nil
}

func (s *Service) applyUpdate(ctx context.Context, identityID int64, claim models.Claim) ([]emailEffect, error) {
	attrs, err := s.store.ListAttributes(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	stored := make(map[models.AttributeKey]models.Attribute, len(attrs))
	for _, a := range attrs {
		stored[a.Key] = a
	}

	var effects []emailEffect
	for _, key := range models.ClaimKeys() {
		value := claim.Value(key)
		attr, exists := stored[key]

		switch {
		case value == "" && !exists:
			continue

		case value == "":
			// Deleting the attribute cascades to its pending verification and token.
			if err := s.store.DeleteAttribute(ctx, attr.ID); err != nil {
				return nil, fmt.Errorf("delete attribute %s: %w", key, err)
			}
			if err := s.dropProofReference(ctx, key, stored); err != nil {
				return nil, err
			}

		case !exists:
			attr = models.Attribute{IdentityID: identityID, Key: key, Value: value}
			if err := s.store.InsertAttribute(ctx, &attr); err != nil {
				return nil, fmt.Errorf("insert attribute %s: %w", key, err)
			}
			effects = appendValueEffects(effects, attr)

		case attr.Value == value:
			if claim.ReaffirmProof[key] {
				if err := s.enqueueProof(ctx, attr); err != nil {
					return nil, err
				}
			}

		default:
			if err := s.store.UpdateAttributeValue(ctx, attr.ID, value); err != nil {
				return nil, fmt.Errorf("update attribute %s: %w", key, err)
			}
			if err := s.store.DeletePendingByAttribute(ctx, attr.ID); err != nil {
				return nil, fmt.Errorf("cancel pending verification %s: %w", key, err)
			}
			if err := s.dropProofReference(ctx, key, stored); err != nil {
				return nil, err
			}
			attr.Value = value
			effects = appendValueEffects(effects, attr)
		}
	}
	return effects, nil
}

// appendValueEffects collects the after-commit follow-ups of a newly stored
// value of attr.Key.
func appendValueEffects(effects []emailEffect, attr models.Attribute) []emailEffect {
	switch attr.Key {
	case models.KeyEmail:
		return append(effects, emailEffect{attributeID: attr.ID, email: attr.Value})
	case models.KeyName, models.KeyAddress, models.KeyWebsite, models.KeyTwitter, models.KeyPhone,
		models.KeyTwitterSignature, models.KeyWebsiteSignature, models.KeyUserID, models.KeyTweetID:
		return effects
	default:
		return effects
	}
}

// dropProofReference removes the located tweet once the twitter handle it
// proved has changed or gone.
func (s *Service) dropProofReference(ctx context.Context, key models.AttributeKey, stored map[models.AttributeKey]models.Attribute) error {
	if key != models.KeyTwitter {
		return nil
	}
	ref, ok := stored[models.KeyTweetID]
	if !ok {
		return nil
	}
	if err := s.store.DeleteAttribute(ctx, ref.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("delete tweet reference: %w", err)
	}
	return nil
}

// enqueueProof opens a verification for attr unless one is already open.
func (s *Service) enqueueProof(ctx context.Context, attr models.Attribute) error {
	if !attr.Key.Provable() {
		return nil
	}
	_, err := s.store.FindPendingByAttribute(ctx, attr.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("find pending verification: %w", err)
	}
	pending := &models.PendingVerification{
		IdentityID:  attr.IdentityID,
		AttributeID: attr.ID,
		Property:    attr.Key,
		Location:    attr.Value,
	}
	if err := s.store.InsertPending(ctx, pending); err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return fmt.Errorf("insert pending verification: %w", err)
	}
	return nil
}

func (s *Service) runEmailEffects(ctx context.Context, fid models.FederationID, effects []emailEffect) {
	if s.emails == nil {
		return
	}
	for _, e := range effects {
		if err := s.emails.RequestConfirmation(ctx, e.attributeID, e.email); err != nil {
			s.logger.WarnContext(ctx, "failed to request email confirmation",
				"federation_id", fid,
				"attribute_id", e.attributeID,
				"error", err,
			)
		}
	}
}

// DeleteClaim removes every attribute of fid but keeps the identity so the
// deletion replicates. lastModified moves to the signed timestamp, or one past
// the stored value when timestamp is not newer. It reports false when fid is
// unknown.
func (s *Service) DeleteClaim(ctx context.Context, fid models.FederationID, timestamp int64) (bool, error) {
	found := false
	err := s.store.RunInTx(ctx, func(txCtx context.Context) error {
		found = false
		identity, err := s.store.FindIdentity(txCtx, fid)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find identity: %w", err)
		}
		found = true
		if err := s.store.DeleteAttributes(txCtx, identity.ID); err != nil {
			return fmt.Errorf("delete attributes: %w", err)
		}
		ts := timestamp
		if ts <= identity.LastModified {
			ts = identity.LastModified + 1
		}
		if _, err := s.store.AdvanceLastModified(txCtx, identity.ID, ts); err != nil {
			return fmt.Errorf("advance last modified: %w", err)
		}
		return s.emit(txCtx, fid, audit.EventIdentityCleared)
	})
	if err != nil {
		s.metrics.IncrementClaim(metrics.ResultError)
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete claim")
	}
	if !found {
		s.metrics.IncrementClaim(metrics.ResultUnknown)
		return false, nil
	}
	s.metrics.IncrementClaim(metrics.ResultDeleted)
	return true, nil
}

// BatchRegister applies administrator supplied profiles stamped with the
// current time. It returns how many were accepted.
func (s *Service) BatchRegister(ctx context.Context, claims []models.Claim) (int, error) {
	now := s.now().Unix()
	accepted := 0
	for _, claim := range claims {
		claim.Timestamp = now
		ok, err := s.UpsertClaim(ctx, claim)
		if dErrors.HasCode(err, dErrors.CodeBadRequest) {
			s.logger.WarnContext(ctx, "skipping batch entry",
				"federation_id", claim.FederationID,
				"error", err,
			)
			continue
		}
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// BatchDelete clears the listed identities stamped with the current time. It
// returns how many were known.
func (s *Service) BatchDelete(ctx context.Context, fids []models.FederationID) (int, error) {
	now := s.now().Unix()
	deleted := 0
	for _, fid := range fids {
		ok, err := s.DeleteClaim(ctx, fid, now)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// BatchDetails maps each known federation id to its display name. Identities
// without a name are left out.
func (s *Service) BatchDetails(ctx context.Context, fids []models.FederationID) (map[models.FederationID]string, error) {
	ids := make([]int64, 0, len(fids))
	byID := make(map[int64]models.FederationID, len(fids))
	for _, fid := range fids {
		identity, err := s.store.FindIdentity(ctx, fid)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
		}
		ids = append(ids, identity.ID)
		byID[identity.ID] = identity.FederationID
	}

	attrs, err := s.store.ListAttributesFor(ctx, ids)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load attributes")
	}
	details := make(map[models.FederationID]string, len(ids))
	for id, list := range attrs {
		for _, a := range list {
			if a.Key == models.KeyName {
				details[byID[id]] = a.Value
			}
		}
	}
	return details, nil
}

// Lookup returns the public view of fid.
func (s *Service) Lookup(ctx context.Context, fid models.FederationID) (*models.IdentityView, error) {
	identity, err := s.store.FindIdentity(ctx, fid)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	attrs, err := s.store.ListAttributes(ctx, identity.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load attributes")
	}
	view := models.NewIdentityView(*identity, attrs)
	return &view, nil
}
