package verification

import (
	"context"

	"lookup/internal/directory/models"
)

//go:generate mockgen -source=ports.go -destination=mocks/ports_mock.go -package=mocks

// Store is the persistence a verification pass needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	ListPending(ctx context.Context, limit int) ([]models.PendingVerification, error)
	UpdatePendingTries(ctx context.Context, id int64, tries int) error
	DeletePending(ctx context.Context, id int64) error
	GetIdentity(ctx context.Context, id int64) (*models.Identity, error)
	ListAttributes(ctx context.Context, identityID int64) ([]models.Attribute, error)
	SetAttributeVerified(ctx context.Context, id int64, verified bool) error
	InsertAttribute(ctx context.Context, a *models.Attribute) error
	DeleteAttribute(ctx context.Context, id int64) error
}

// SignatureVerifier checks a text signature of an identity.
type SignatureVerifier interface {
	VerifyText(ctx context.Context, identity models.FederationID, text, signatureB64 string) (bool, error)
}

// Tweet is a located social media post.
type Tweet struct {
	ID   string
	Text string
}

// TweetSearcher finds the most recent post matching a search query.
type TweetSearcher interface {
	LatestTweet(ctx context.Context, query string) (*Tweet, error)
}

// ProofFetcher retrieves a proof document.
type ProofFetcher interface {
	FetchProof(ctx context.Context, url string) (string, error)
}
