package verification_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"lookup/internal/directory/models"
	"lookup/internal/directory/store"
	"lookup/internal/signature"
	"lookup/internal/signature/signaturetest"
	"lookup/internal/verification"
	"lookup/internal/verification/mocks"
	"lookup/pkg/testutil"
)

const fid = models.FederationID("alice@cloud.example.org")

type VerificationSuite struct {
	suite.Suite
	ctx      context.Context
	ctrl     *gomock.Controller
	store    *store.InMemoryStore
	verifier *mocks.MockSignatureVerifier
	tweets   *mocks.MockTweetSearcher
	fetcher  *mocks.MockProofFetcher
	service  *verification.Service
}

func TestVerificationSuite(t *testing.T) {
	suite.Run(t, new(VerificationSuite))
}

func (s *VerificationSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.store = store.NewInMemory()
	s.verifier = mocks.NewMockSignatureVerifier(s.ctrl)
	s.tweets = mocks.NewMockTweetSearcher(s.ctrl)
	s.fetcher = mocks.NewMockProofFetcher(s.ctrl)
	s.service = verification.New(s.store, s.verifier, s.tweets, s.fetcher,
		verification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

// seedPending stores fid with attrs and a pending check for key.
func (s *VerificationSuite) seedPending(key models.AttributeKey, attrs map[models.AttributeKey]string, tries int) models.PendingVerification {
	identity, err := s.store.CreateIdentity(s.ctx, fid, 1)
	s.Require().NoError(err)
	var pending models.PendingVerification
	for k, v := range attrs {
		a := &models.Attribute{IdentityID: identity.ID, Key: k, Value: v}
		s.Require().NoError(s.store.InsertAttribute(s.ctx, a))
		if k == key {
			pending = models.PendingVerification{IdentityID: identity.ID, AttributeID: a.ID, Property: k, Location: v, Tries: tries}
			s.Require().NoError(s.store.InsertPending(s.ctx, &pending))
		}
	}
	return pending
}

func (s *VerificationSuite) attribute(key models.AttributeKey) (models.Attribute, bool) {
	identity, err := s.store.FindIdentity(s.ctx, fid)
	s.Require().NoError(err)
	attrs, err := s.store.ListAttributes(s.ctx, identity.ID)
	s.Require().NoError(err)
	for _, a := range attrs {
		if a.Key == key {
			return a, true
		}
	}
	return models.Attribute{}, false
}

func (s *VerificationSuite) pending() []models.PendingVerification {
	p, err := s.store.ListPending(s.ctx, 100)
	s.Require().NoError(err)
	return p
}

func checksum(sig string) string {
	sum := md5.Sum([]byte(sig))
	return hex.EncodeToString(sum[:])
}

func (s *VerificationSuite) TestTwitterProofVerified() {
	testutil.Given(s.T(), "a pending twitter proof with a previous tweet id", func(t *testing.T) {
		s.seedPending(models.KeyTwitter, map[models.AttributeKey]string{
			models.KeyTwitter:          "@alice",
			models.KeyTwitterSignature: "c2lnbmF0dXJl",
			models.KeyTweetID:          "111",
		}, 0)
	})

	testutil.When(s.T(), "the latest tweet carries the signed message and checksum", func(t *testing.T) {
		s.tweets.EXPECT().
			LatestTweet(gomock.Any(), "from:alice Use my Federated Cloud ID to share with me").
			Return(&verification.Tweet{ID: "222", Text: "Use my Federated Cloud ID to share with me: " + string(fid) + " " + checksum("c2lnbmF0dXJl")}, nil)
		s.verifier.EXPECT().
			VerifyText(gomock.Any(), fid, "Use my Federated Cloud ID to share with me: "+string(fid), "c2lnbmF0dXJl").
			Return(true, nil)

		result, err := s.service.RunPass(s.ctx)
		s.Require().NoError(err)
		s.Equal(verification.PassResult{Processed: 1, Verified: 1}, result)
	})

	testutil.Then(s.T(), "the handle is verified and the tweet id replaced", func(t *testing.T) {
		a, ok := s.attribute(models.KeyTwitter)
		s.Require().True(ok)
		s.True(a.Verified)
		tweet, ok := s.attribute(models.KeyTweetID)
		s.Require().True(ok)
		s.Equal("222", tweet.Value)
		s.Empty(s.pending())
	})
}

func (s *VerificationSuite) TestTwitterChecksumMismatchRetries() {
	s.seedPending(models.KeyTwitter, map[models.AttributeKey]string{
		models.KeyTwitter:          "@alice",
		models.KeyTwitterSignature: "c2lnbmF0dXJl",
	}, 0)
	s.tweets.EXPECT().LatestTweet(gomock.Any(), gomock.Any()).
		Return(&verification.Tweet{ID: "1", Text: "message " + strings.Repeat("0", 32)}, nil)

	result, err := s.service.RunPass(s.ctx)
	s.Require().NoError(err)
	s.Equal(verification.PassResult{Processed: 1, Retried: 1}, result)

	p := s.pending()
	s.Require().Len(p, 1)
	s.Equal(1, p[0].Tries)
	a, _ := s.attribute(models.KeyTwitter)
	s.False(a.Verified)
	_, ok := s.attribute(models.KeyTweetID)
	s.False(ok)
}

func (s *VerificationSuite) TestInvalidHandleFailsWithoutSearching() {
	s.seedPending(models.KeyTwitter, map[models.AttributeKey]string{
		models.KeyTwitter:          "alice",
		models.KeyTwitterSignature: "c2lnbmF0dXJl",
	}, 3)

	result, err := s.service.RunPass(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Retried)
	s.Equal(4, s.pending()[0].Tries)
}

func (s *VerificationSuite) TestMissingTwitterSignatureFails() {
	s.seedPending(models.KeyTwitter, map[models.AttributeKey]string{models.KeyTwitter: "@alice"}, 0)

	result, err := s.service.RunPass(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Retried)
}

func (s *VerificationSuite) TestSearchErrorCountsAsFailure() {
	s.seedPending(models.KeyTwitter, map[models.AttributeKey]string{
		models.KeyTwitter:          "@alice",
		models.KeyTwitterSignature: "c2lnbmF0dXJl",
	}, 0)
	s.tweets.EXPECT().LatestTweet(gomock.Any(), gomock.Any()).Return(nil, errors.New("rate limited"))

	result, err := s.service.RunPass(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Retried)
}

func (s *VerificationSuite) TestAbandonedAfterMaxTries() {
	s.seedPending(models.KeyWebsite, map[models.AttributeKey]string{models.KeyWebsite: "alice.example"}, verification.MaxTries)
	s.fetcher.EXPECT().FetchProof(gomock.Any(), "http://alice.example/.well-known/CloudIdVerificationCode.txt").
		Return("", errors.New("connection refused"))

	result, err := s.service.RunPass(s.ctx)
	s.Require().NoError(err)
	s.Equal(verification.PassResult{Processed: 1, Abandoned: 1}, result)
	s.Empty(s.pending())
	a, ok := s.attribute(models.KeyWebsite)
	s.Require().True(ok)
	s.False(a.Verified)
}

func (s *VerificationSuite) TestWebsiteProofVerified() {
	sig := strings.Repeat("A", 342) + "=="
	s.seedPending(models.KeyWebsite, map[models.AttributeKey]string{models.KeyWebsite: " https://alice.example/ "}, 2)
	s.fetcher.EXPECT().FetchProof(gomock.Any(), "https://alice.example/.well-known/CloudIdVerificationCode.txt").
		Return("\n  signed   by\n\n alice  "+sig+"\n", nil)
	s.verifier.EXPECT().VerifyText(gomock.Any(), fid, "signed by alice", sig).Return(true, nil)

	result, err := s.service.RunPass(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Verified)
	a, _ := s.attribute(models.KeyWebsite)
	s.True(a.Verified)
	s.Empty(s.pending())
}

func (s *VerificationSuite) TestBadSignatureRetries() {
	sig := strings.Repeat("B", 344)
	s.seedPending(models.KeyWebsite, map[models.AttributeKey]string{models.KeyWebsite: "alice.example"}, 0)
	s.fetcher.EXPECT().FetchProof(gomock.Any(), gomock.Any()).Return("message "+sig, nil)
	s.verifier.EXPECT().VerifyText(gomock.Any(), fid, "message", sig).Return(false, nil)

	result, err := s.service.RunPass(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Retried)
}

func (s *VerificationSuite) TestPassIsBounded() {
	const total = verification.BatchSize + 5
	sig := strings.Repeat("C", 344)

	testutil.Given(s.T(), "one website proof on each of fifteen identities", func(t *testing.T) {
		for i := 0; i < total; i++ {
			owner := models.FederationID(fmt.Sprintf("user%d@cloud.example.org", i))
			identity, err := s.store.CreateIdentity(s.ctx, owner, 1)
			s.Require().NoError(err)
			site := fmt.Sprintf("site%d.example", i)
			a := &models.Attribute{IdentityID: identity.ID, Key: models.KeyWebsite, Value: site}
			s.Require().NoError(s.store.InsertAttribute(s.ctx, a))
			s.Require().NoError(s.store.InsertPending(s.ctx, &models.PendingVerification{
				IdentityID: identity.ID, AttributeID: a.ID, Property: models.KeyWebsite, Location: site,
			}))
		}
		s.fetcher.EXPECT().FetchProof(gomock.Any(), gomock.Any()).Return("message "+sig, nil).Times(total)
		s.verifier.EXPECT().VerifyText(gomock.Any(), gomock.Any(), "message", sig).Return(true, nil).Times(total)
	})

	testutil.Then(s.T(), "each pass handles at most one batch", func(t *testing.T) {
		first, err := s.service.RunPass(s.ctx)
		s.Require().NoError(err)
		s.Equal(verification.BatchSize, first.Processed)
		s.Equal(verification.BatchSize, first.Verified)
		s.Len(s.pending(), 5)

		second, err := s.service.RunPass(s.ctx)
		s.Require().NoError(err)
		s.Equal(5, second.Processed)
		s.Equal(5, second.Verified)
		s.Empty(s.pending())

		third, err := s.service.RunPass(s.ctx)
		s.Require().NoError(err)
		s.Zero(third.Processed)
	})
}

func TestSplitTweet(t *testing.T) {
	msg, sum, ok := verification.SplitTweet("hello world " + strings.Repeat("f", 32))
	require.True(t, ok)
	assert.Equal(t, "hello world", msg)
	assert.Equal(t, strings.Repeat("f", 32), sum)

	_, _, ok = verification.SplitTweet("short")
	assert.False(t, ok)
}

func TestProofURL(t *testing.T) {
	tests := map[string]string{
		"example.org":           "http://example.org/.well-known/CloudIdVerificationCode.txt",
		" https://example.org/": "https://example.org/.well-known/CloudIdVerificationCode.txt",
		"http://example.org//":  "http://example.org/.well-known/CloudIdVerificationCode.txt",
	}
	for in, want := range tests {
		assert.Equal(t, want, verification.ProofURL(in), in)
	}
}

// TestWebsiteProofEndToEnd signs a proof file with a real key and serves it.
func TestWebsiteProofEndToEnd(t *testing.T) {
	ctx := context.Background()
	hs := signaturetest.NewHomeServer(t)
	id := hs.AddUser(t, "alice")
	message := "Use my Federated Cloud ID to share with me: " + string(id)
	sig := hs.SignText(t, "alice", message)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/CloudIdVerificationCode.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, message+"\n\n"+sig+"\n")
	}))
	t.Cleanup(site.Close)

	st := store.NewInMemory()
	identity, err := st.CreateIdentity(ctx, id, 1)
	require.NoError(t, err)
	a := &models.Attribute{IdentityID: identity.ID, Key: models.KeyWebsite, Value: site.URL}
	require.NoError(t, st.InsertAttribute(ctx, a))
	require.NoError(t, st.InsertPending(ctx, &models.PendingVerification{
		IdentityID: identity.ID, AttributeID: a.ID, Property: models.KeyWebsite, Location: site.URL,
	}))

	verifier := signature.NewVerifier(signature.NewHTTPKeySource(http.DefaultClient, "http", 10*time.Second))
	svc := verification.New(st, verifier, nil, verification.NewHTTPProofFetcher(nil, 10*time.Second),
		verification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	result, err := svc.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Verified)

	got, err := st.GetAttribute(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)
}
