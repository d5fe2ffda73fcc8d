//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	audit "lookup/pkg/platform/audit"
	"lookup/pkg/platform/audit/store/postgres"
	"lookup/pkg/platform/tx"
	"lookup/pkg/testutil/containers"
)

type AuditStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestAuditStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(AuditStoreSuite))
}

func (s *AuditStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB)
}

func (s *AuditStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events"))
}

func (s *AuditStoreSuite) TestAppendAndList() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Timestamp: base, FederationID: "alice@cloud.example", Action: string(audit.EventIdentityCreated),
	}))
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Timestamp: base.Add(time.Minute), FederationID: "alice@cloud.example", Action: string(audit.EventIdentityCleared),
		ActorID: "admin",
	}))

	events, err := s.store.ListByFederationID(ctx, "alice@cloud.example")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal("identity_created", events[0].Action)
	s.Equal(audit.CategoryCompliance, events[1].Category)
	s.Equal("admin", events[1].ActorID)

	recent, err := s.store.ListRecent(ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(recent, 1)
	s.Equal("identity_cleared", recent[0].Action)
}

func (s *AuditStoreSuite) TestAppendRollsBackWithTransaction() {
	ctx := context.Background()
	runner := tx.NewSQLRunner(s.postgres.DB, nil)
	boom := errors.New("boom")

	err := runner.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Append(txCtx, audit.Event{
			Timestamp: time.Now(), FederationID: "bob@cloud.example", Action: string(audit.EventIdentityUpdated),
		}); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	events, err := s.store.ListByFederationID(ctx, "bob@cloud.example")
	s.Require().NoError(err)
	s.Empty(events)
}
