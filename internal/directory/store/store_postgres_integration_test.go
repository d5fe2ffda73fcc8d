//go:build integration

package store_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"lookup/internal/directory/models"
	"lookup/internal/directory/store"
	"lookup/pkg/platform/sentinel"
	"lookup/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"email_confirmations", "pending_verifications", "attributes", "identities", "instances")
	s.Require().NoError(err)
}

// TestConcurrentAdvanceSingleWinner verifies that concurrent claims carrying
// the same newer timestamp advance last_modified exactly once.
func (s *PostgresStoreSuite) TestConcurrentAdvanceSingleWinner() {
	ctx := context.Background()
	identity, err := s.store.CreateIdentity(ctx, "alice@example.org", 10)
	s.Require().NoError(err)

	const goroutines = 20
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.store.AdvanceLastModified(ctx, identity.ID, 20)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), winners.Load())
}

func (s *PostgresStoreSuite) TestCreateIdentityConflict() {
	ctx := context.Background()
	_, err := s.store.CreateIdentity(ctx, "alice@example.org", 10)
	s.Require().NoError(err)

	_, err = s.store.CreateIdentity(ctx, "alice@example.org", 11)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestDeleteAttributeCascades() {
	ctx := context.Background()
	identity, err := s.store.CreateIdentity(ctx, "alice@example.org", 10)
	s.Require().NoError(err)
	attr := &models.Attribute{IdentityID: identity.ID, Key: models.KeyWebsite, Value: "https://alice.example"}
	s.Require().NoError(s.store.InsertAttribute(ctx, attr))
	s.Require().NoError(s.store.InsertPending(ctx, &models.PendingVerification{
		IdentityID: identity.ID, AttributeID: attr.ID, Property: models.KeyWebsite, Location: attr.Value,
	}))
	dup := &models.PendingVerification{IdentityID: identity.ID, AttributeID: attr.ID, Property: models.KeyWebsite, Location: attr.Value}
	s.ErrorIs(s.store.InsertPending(ctx, dup), sentinel.ErrConflict)

	s.Require().NoError(s.store.DeleteAttribute(ctx, attr.ID))

	_, err = s.store.FindPendingByAttribute(ctx, attr.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestRunInTxRollsBack() {
	ctx := context.Background()
	err := s.store.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := s.store.CreateIdentity(txCtx, "alice@example.org", 10); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	s.Error(err)

	_, err = s.store.FindIdentity(ctx, "alice@example.org")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestListModifiedSinceOrdersByTimestampThenID() {
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		_, err := s.store.CreateIdentity(ctx, models.FederationID(fmt.Sprintf("user%03d@example.org", i)), int64(200-i))
		s.Require().NoError(err)
	}

	first, err := s.store.ListModifiedSince(ctx, 0, 0, 100)
	s.Require().NoError(err)
	s.Require().Len(first, 100)
	for i := 1; i < len(first); i++ {
		s.LessOrEqual(first[i-1].LastModified, first[i].LastModified)
	}

	second, err := s.store.ListModifiedSince(ctx, 0, 100, 100)
	s.Require().NoError(err)
	s.Len(second, 50)
}

func (s *PostgresStoreSuite) TestSearchIdentities() {
	ctx := context.Background()
	alice, err := s.store.CreateIdentity(ctx, "alice@example.org", 1)
	s.Require().NoError(err)
	email := &models.Attribute{IdentityID: alice.ID, Key: models.KeyEmail, Value: "Alice@Mail.example", Verified: true}
	s.Require().NoError(s.store.InsertAttribute(ctx, email))
	bob, err := s.store.CreateIdentity(ctx, "bob@example.org", 1)
	s.Require().NoError(err)
	s.Require().NoError(s.store.InsertAttribute(ctx, &models.Attribute{IdentityID: bob.ID, Key: models.KeyUserID, Value: "b%ob"}))

	hits, err := s.store.SearchIdentities(ctx, models.SearchQuery{
		Mode: models.MatchLike, Pattern: "%alice@mail%", Keys: []models.AttributeKey{models.KeyEmail, models.KeyUserID},
		MinKarma: 1, Limit: 50,
	})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Equal(1, hits[0].Karma)

	hits, err = s.store.SearchIdentities(ctx, models.SearchQuery{
		Mode: models.MatchLike, Pattern: `%b\%o%`, Keys: []models.AttributeKey{models.KeyUserID}, Limit: 50,
	})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Equal(models.FederationID("bob@example.org"), hits[0].Identity.FederationID)

	n, err := s.store.CountAttributeValue(ctx, models.KeyEmail, "alice@mail.example")
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *PostgresStoreSuite) TestInstances() {
	ctx := context.Background()
	s.Require().NoError(s.store.InsertInstance(ctx, "b.org"))
	s.Require().NoError(s.store.InsertInstance(ctx, "a.org"))
	s.Require().NoError(s.store.InsertInstance(ctx, "a.org"))

	got, err := s.store.ListInstances(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"a.org", "b.org"}, got)

	s.Require().NoError(s.store.DeleteInstance(ctx, "a.org"))
	s.Require().NoError(s.store.DeleteInstance(ctx, "missing.org"))
	got, err = s.store.ListInstances(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"b.org"}, got)
}
