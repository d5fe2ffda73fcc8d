// Package instances keeps the list of hosts that have identities in the
// directory.
package instances

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"lookup/internal/directory/models"
	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/platform/audit"
)

// Store persists instances and answers identity host queries.
type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	ListInstances(ctx context.Context) ([]string, error)
	InsertInstance(ctx context.Context, instance string) error
	DeleteInstance(ctx context.Context, instance string) error
	ListFederationIDs(ctx context.Context) ([]models.FederationID, error)
	ListIdentitiesOnHost(ctx context.Context, host string) ([]models.Identity, error)
	DeleteIdentity(ctx context.Context, id int64) error
}

// Auditor records identities dropped with their instance.
type Auditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// Service maintains the instance directory.
type Service struct {
	store   Store
	auditor Auditor
	static  []string
	aliases map[string]string
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAuditor records every identity deleted by Remove.
func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithStatic serves a fixed instance list instead of the stored one.
func WithStatic(instances []string) Option {
	return func(s *Service) { s.static = instances }
}

// WithAliases maps lower-cased host names to their canonical form.
func WithAliases(aliases map[string]string) Option {
	return func(s *Service) {
		s.aliases = make(map[string]string, len(aliases))
		for k, v := range aliases {
			s.aliases[strings.ToLower(k)] = v
		}
	}
}

// New creates an instance Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncFromIdentities rebuilds the stored list from the hosts of all known
// identities.
func (s *Service) SyncFromIdentities(ctx context.Context) error {
	fids, err := s.store.ListFederationIDs(ctx)
	if err != nil {
		return fmt.Errorf("list federation ids: %w", err)
	}
	hosts := make(map[string]struct{})
	for _, fid := range fids {
		if host := fid.Host(); host != "" {
			hosts[host] = struct{}{}
		}
	}

	for host := range hosts {
		if err := s.store.InsertInstance(ctx, host); err != nil {
			return err
		}
	}
	stored, err := s.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	for _, instance := range stored {
		if _, ok := hosts[instance]; ok {
			continue
		}
		if err := s.store.DeleteInstance(ctx, instance); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "instances synchronized", "count", len(hosts))
	return nil
}

// OnIdentityAdded records the host of fid.
func (s *Service) OnIdentityAdded(ctx context.Context, fid models.FederationID) error {
	host := fid.Host()
	if host == "" {
		return nil
	}
	return s.store.InsertInstance(ctx, host)
}

// OnIdentityRemoved forgets the host of fid once no identity lives there.
func (s *Service) OnIdentityRemoved(ctx context.Context, fid models.FederationID) error {
	host := fid.Host()
	if host == "" {
		return nil
	}
	remaining, err := s.store.ListIdentitiesOnHost(ctx, host)
	if err != nil {
		return fmt.Errorf("list identities on %s: %w", host, err)
	}
	if len(remaining) > 0 {
		return nil
	}
	return s.store.DeleteInstance(ctx, host)
}

// List returns the known instances in canonical form. A configured static
// list wins over the stored one; an empty store is synchronized first.
func (s *Service) List(ctx context.Context) ([]string, error) {
	instances := s.static
	if len(instances) == 0 {
		var err error
		instances, err = s.store.ListInstances(ctx)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list instances")
		}
		if len(instances) == 0 {
			if err := s.SyncFromIdentities(ctx); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sync instances")
			}
			if instances, err = s.store.ListInstances(ctx); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list instances")
			}
		}
	}

	out := make([]string, 0, len(instances))
	for _, instance := range instances {
		out = append(out, s.ResolveAlias(instance))
	}
	return out, nil
}

// Remove forgets instance. With removeUsers every identity hosted there is
// deleted first and the instance is dropped once nothing lives on it.
func (s *Service) Remove(ctx context.Context, instance string, removeUsers bool) (int, error) {
	if !removeUsers {
		return 0, s.store.DeleteInstance(ctx, instance)
	}

	var removed []models.FederationID
	err := s.store.RunInTx(ctx, func(txCtx context.Context) error {
		removed = removed[:0]
		identities, err := s.store.ListIdentitiesOnHost(txCtx, instance)
		if err != nil {
			return fmt.Errorf("list identities on %s: %w", instance, err)
		}
		for _, identity := range identities {
			if err := s.store.DeleteIdentity(txCtx, identity.ID); err != nil {
				return fmt.Errorf("delete identity %s: %w", identity.FederationID, err)
			}
			if s.auditor != nil {
				if err := s.auditor.Emit(txCtx, audit.ComplianceEvent{
					FederationID: string(identity.FederationID),
					Action:       audit.EventInstanceRemoved,
					Reason:       instance,
					ActorID:      "admin",
				}); err != nil {
					return err
				}
			}
			removed = append(removed, identity.FederationID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "instance removed", "instance", instance, "identities", len(removed))

	if len(removed) == 0 {
		return 0, s.store.DeleteInstance(ctx, instance)
	}
	// Every removed identity shares the host, so the last one settles it.
	return len(removed), s.OnIdentityRemoved(ctx, removed[len(removed)-1])
}

// ResolveAlias returns the canonical name of instance. Unknown names are
// returned unchanged.
func (s *Service) ResolveAlias(instance string) string {
	if canonical, ok := s.aliases[strings.ToLower(instance)]; ok {
		return canonical
	}
	return instance
}
