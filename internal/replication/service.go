// Package replication exchanges identities between lookup instances: an
// authenticated paged export and a cursor driven import.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lookup/internal/directory/models"
	"lookup/pkg/platform/sentinel"
)

// Store is the persistence replication needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	ListModifiedSince(ctx context.Context, since int64, offset, limit int) ([]models.Identity, error)
	ListAttributesFor(ctx context.Context, identityIDs []int64) (map[int64][]models.Attribute, error)
	FindIdentity(ctx context.Context, fid models.FederationID) (*models.Identity, error)
	CreateIdentity(ctx context.Context, fid models.FederationID, lastModified int64) (*models.Identity, error)
	DeleteIdentity(ctx context.Context, id int64) error
	InsertAttribute(ctx context.Context, a *models.Attribute) error
}

// InstanceHook is told about identities learned from peers.
type InstanceHook interface {
	OnIdentityAdded(ctx context.Context, fid models.FederationID) error
}

// Service reads and merges replicated identities.
type Service struct {
	store  Store
	hook   InstanceHook
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithInstanceHook notifies hook about merged identities.
func WithInstanceHook(hook InstanceHook) ServiceOption {
	return func(s *Service) { s.hook = hook }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a replication Service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export returns page of the identities modified at or after since, ordered
// by (lastModified, id).
func (s *Service) Export(ctx context.Context, since int64, page int) ([]User, error) {
	identities, err := s.store.ListModifiedSince(ctx, since, page*PageSize, PageSize)
	if err != nil {
		return nil, fmt.Errorf("list modified identities: %w", err)
	}
	ids := make([]int64, len(identities))
	for i, identity := range identities {
		ids[i] = identity.ID
	}
	attrs, err := s.store.ListAttributesFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	out := make([]User, 0, len(identities))
	for _, identity := range identities {
		out = append(out, FromIdentity(identity, attrs[identity.ID]))
	}
	return out, nil
}

// Merge stores a replicated identity unless the local copy is strictly
// newer. The local copy, when replaced, is removed with everything it owns.
func (s *Service) Merge(ctx context.Context, r models.ReplicatedIdentity) (bool, error) {
	merged := false
	err := s.store.RunInTx(ctx, func(txCtx context.Context) error {
		local, err := s.store.FindIdentity(txCtx, r.FederationID)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
		case err != nil:
			return fmt.Errorf("find identity: %w", err)
		case local.LastModified > r.Timestamp:
			return nil
		default:
			if err := s.store.DeleteIdentity(txCtx, local.ID); err != nil {
				return fmt.Errorf("delete identity: %w", err)
			}
		}

		identity, err := s.store.CreateIdentity(txCtx, r.FederationID, r.Timestamp)
		if err != nil {
			return fmt.Errorf("create identity: %w", err)
		}
		for _, a := range r.Attributes {
			attr := models.Attribute{IdentityID: identity.ID, Key: a.Key, Value: a.Value, Verified: a.Verified}
			if err := s.store.InsertAttribute(txCtx, &attr); err != nil {
				if errors.Is(err, sentinel.ErrConflict) {
					continue
				}
				return fmt.Errorf("insert attribute %s: %w", a.Key, err)
			}
		}
		merged = true
		return nil
	})
	if err != nil || !merged {
		return false, err
	}

	if s.hook != nil {
		if err := s.hook.OnIdentityAdded(ctx, r.FederationID); err != nil {
			s.logger.WarnContext(ctx, "instance hook failed",
				"federation_id", r.FederationID,
				"error", err,
			)
		}
	}
	return true, nil
}
