package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"lookup/internal/directory/models"
	"lookup/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func (s *InMemoryStoreSuite) createIdentity(fid models.FederationID, ts int64, attrs map[models.AttributeKey]string) *models.Identity {
	identity, err := s.store.CreateIdentity(s.ctx, fid, ts)
	s.Require().NoError(err)
	for k, v := range attrs {
		s.Require().NoError(s.store.InsertAttribute(s.ctx, &models.Attribute{IdentityID: identity.ID, Key: k, Value: v}))
	}
	return identity
}

func (s *InMemoryStoreSuite) TestCreateIdentityConflict() {
	s.createIdentity("alice@example.org", 10, nil)

	_, err := s.store.CreateIdentity(s.ctx, "alice@example.org", 20)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *InMemoryStoreSuite) TestAdvanceLastModifiedOnlyMovesForward() {
	identity := s.createIdentity("alice@example.org", 10, nil)

	ok, err := s.store.AdvanceLastModified(s.ctx, identity.ID, 10)
	s.Require().NoError(err)
	s.False(ok, "equal timestamp must not advance")

	ok, err = s.store.AdvanceLastModified(s.ctx, identity.ID, 5)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.store.AdvanceLastModified(s.ctx, identity.ID, 11)
	s.Require().NoError(err)
	s.True(ok)

	got, err := s.store.GetIdentity(s.ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal(int64(11), got.LastModified)
}

func (s *InMemoryStoreSuite) TestDeleteAttributeCascades() {
	identity := s.createIdentity("alice@example.org", 10, map[models.AttributeKey]string{
		models.KeyEmail: "alice@mail.example",
	})
	attrs, err := s.store.ListAttributes(s.ctx, identity.ID)
	s.Require().NoError(err)
	s.Require().Len(attrs, 1)
	attrID := attrs[0].ID

	s.Require().NoError(s.store.InsertPending(s.ctx, &models.PendingVerification{
		IdentityID: identity.ID, AttributeID: attrID, Property: models.KeyEmail, Location: "x",
	}))
	s.Require().NoError(s.store.ReplaceEmailConfirmation(s.ctx, attrID, "token-1"))

	s.Require().NoError(s.store.DeleteAttribute(s.ctx, attrID))

	_, err = s.store.FindPendingByAttribute(s.ctx, attrID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindEmailConfirmation(s.ctx, "token-1")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestInsertPendingAtMostOnePerAttribute() {
	identity := s.createIdentity("alice@example.org", 10, map[models.AttributeKey]string{
		models.KeyWebsite: "https://alice.example",
	})
	attrs, _ := s.store.ListAttributes(s.ctx, identity.ID)
	p := models.PendingVerification{IdentityID: identity.ID, AttributeID: attrs[0].ID, Property: models.KeyWebsite, Location: "https://alice.example"}

	first := p
	s.Require().NoError(s.store.InsertPending(s.ctx, &first))
	second := p
	s.ErrorIs(s.store.InsertPending(s.ctx, &second), sentinel.ErrConflict)

	pending, err := s.store.ListPending(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(pending, 1)
}

func (s *InMemoryStoreSuite) TestReplaceEmailConfirmationKeepsOneToken() {
	identity := s.createIdentity("alice@example.org", 10, map[models.AttributeKey]string{
		models.KeyEmail: "alice@mail.example",
	})
	attrs, _ := s.store.ListAttributes(s.ctx, identity.ID)

	s.Require().NoError(s.store.ReplaceEmailConfirmation(s.ctx, attrs[0].ID, "old"))
	s.Require().NoError(s.store.ReplaceEmailConfirmation(s.ctx, attrs[0].ID, "new"))

	_, err := s.store.FindEmailConfirmation(s.ctx, "old")
	s.ErrorIs(err, sentinel.ErrNotFound)
	c, err := s.store.FindEmailConfirmation(s.ctx, "new")
	s.Require().NoError(err)
	s.Equal(attrs[0].ID, c.AttributeID)
}

func (s *InMemoryStoreSuite) TestRunInTxRollsBackOnError() {
	identity := s.createIdentity("alice@example.org", 10, map[models.AttributeKey]string{
		models.KeyName: "Alice",
	})

	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(txCtx context.Context) error {
		if err := s.store.DeleteAttributes(txCtx, identity.ID); err != nil {
			return err
		}
		if _, err := s.store.AdvanceLastModified(txCtx, identity.ID, 99); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	attrs, err := s.store.ListAttributes(s.ctx, identity.ID)
	s.Require().NoError(err)
	s.Len(attrs, 1)
	got, _ := s.store.GetIdentity(s.ctx, identity.ID)
	s.Equal(int64(10), got.LastModified)
}

func (s *InMemoryStoreSuite) TestListModifiedSincePaging() {
	for i := 0; i < 15; i++ {
		s.createIdentity(models.FederationID(fmt.Sprintf("user%02d@example.org", i)), int64(100-i), nil)
	}

	first, err := s.store.ListModifiedSince(s.ctx, 90, 0, 5)
	s.Require().NoError(err)
	s.Require().Len(first, 5)
	s.Equal(int64(90), first[0].LastModified)
	s.Equal(int64(94), first[4].LastModified)

	rest, err := s.store.ListModifiedSince(s.ctx, 90, 5, 5)
	s.Require().NoError(err)
	s.Len(rest, 5)
	s.Equal(int64(99), rest[4].LastModified)

	last, err := s.store.ListModifiedSince(s.ctx, 90, 10, 5)
	s.Require().NoError(err)
	s.Require().Len(last, 1)
	s.Equal(int64(100), last[0].LastModified)

	empty, err := s.store.ListModifiedSince(s.ctx, 90, 15, 5)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *InMemoryStoreSuite) TestListIdentitiesOnHost() {
	s.createIdentity("alice@example.org", 1, nil)
	s.createIdentity("bob@other.example.org", 1, nil)
	s.createIdentity("carol@sub.example.org", 1, nil)

	got, err := s.store.ListIdentitiesOnHost(s.ctx, "example.org")
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(models.FederationID("alice@example.org"), got[0].FederationID)
}

func (s *InMemoryStoreSuite) TestSearchIdentities() {
	verified := s.createIdentity("alice@example.org", 1, map[models.AttributeKey]string{
		models.KeyEmail: "alice@mail.example",
		models.KeyName:  "Alice",
	})
	attrs, _ := s.store.ListAttributes(s.ctx, verified.ID)
	for _, a := range attrs {
		s.Require().NoError(s.store.SetAttributeVerified(s.ctx, a.ID, true))
	}
	s.createIdentity("alice2@example.org", 1, map[models.AttributeKey]string{
		models.KeyEmail: "ALICE2@mail.example",
	})
	s.createIdentity("a_ice@example.org", 1, map[models.AttributeKey]string{
		models.KeyUserID: "a_ice",
	})

	s.Run("like is case insensitive and ordered by karma", func() {
		hits, err := s.store.SearchIdentities(s.ctx, models.SearchQuery{
			Mode: models.MatchLike, Pattern: "%ALICE%", Keys: []models.AttributeKey{models.KeyEmail}, Limit: 50,
		})
		s.Require().NoError(err)
		s.Require().Len(hits, 2)
		s.Equal(0, hits[0].Karma)
		s.Equal(2, hits[1].Karma)
	})

	s.Run("escaped underscore is literal", func() {
		hits, err := s.store.SearchIdentities(s.ctx, models.SearchQuery{
			Mode: models.MatchLike, Pattern: `%a\_ice%`, Keys: []models.AttributeKey{models.KeyUserID}, Limit: 50,
		})
		s.Require().NoError(err)
		s.Len(hits, 1)
	})

	s.Run("min karma filters", func() {
		hits, err := s.store.SearchIdentities(s.ctx, models.SearchQuery{
			Mode: models.MatchLike, Pattern: "%alice%", Keys: []models.AttributeKey{models.KeyEmail}, MinKarma: 1, Limit: 50,
		})
		s.Require().NoError(err)
		s.Require().Len(hits, 1)
		s.Equal(models.FederationID("alice@example.org"), hits[0].Identity.FederationID)
	})

	s.Run("keys outside the query never match", func() {
		hits, err := s.store.SearchIdentities(s.ctx, models.SearchQuery{
			Mode: models.MatchExact, Pattern: "Alice", Keys: []models.AttributeKey{models.KeyEmail, models.KeyUserID}, Limit: 1,
		})
		s.Require().NoError(err)
		s.Empty(hits)
	})
}
