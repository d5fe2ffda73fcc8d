// Package verification checks pending out-of-band proofs (a tweet or a
// website file) and marks the proven attributes verified.
package verification

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"lookup/internal/directory/models"
	"lookup/pkg/platform/sentinel"
)

const (
	// BatchSize is the number of entries one pass processes.
	BatchSize = 10
	// MaxTries is the number of failed checks after which an entry is dropped.
	MaxTries = 10

	tweetPhrase      = "Use my Federated Cloud ID to share with me"
	tweetChecksumLen = 32
	websiteSigLen    = 344
	websiteProofPath = "/.well-known/CloudIdVerificationCode.txt"
)

var (
	twitterHandle = regexp.MustCompile(`^@[A-Za-z0-9_]+$`)
	whitespaceRun = regexp.MustCompile(`\s\s+`)

	errBadHandle    = errors.New("invalid twitter handle")
	errNoSignature  = errors.New("signature attribute missing")
	errShortProof   = errors.New("proof too short")
	errChecksum     = errors.New("checksum mismatch")
	errBadSignature = errors.New("signature does not match")
	errNoTweet      = errors.New("no matching tweet")
)

// PassResult summarizes one verification pass.
type PassResult struct {
	Processed int
	Verified  int
	Retried   int
	Abandoned int
}

// Service runs verification passes.
type Service struct {
	store    Store
	verifier SignatureVerifier
	tweets   TweetSearcher
	fetcher  ProofFetcher
	logger   *slog.Logger
	metrics  *Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records pass outcomes.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a verification Service.
func New(store Store, verifier SignatureVerifier, tweets TweetSearcher, fetcher ProofFetcher, opts ...Option) *Service {
	s := &Service{
		store:    store,
		verifier: verifier,
		tweets:   tweets,
		fetcher:  fetcher,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunPass processes up to BatchSize pending entries. A failing check counts
// against the entry; only store errors abort the pass.
func (s *Service) RunPass(ctx context.Context) (PassResult, error) {
	var result PassResult
	pending, err := s.store.ListPending(ctx, BatchSize)
	if err != nil {
		return result, fmt.Errorf("list pending verifications: %w", err)
	}

	for _, p := range pending {
		result.Processed++
		checkErr := s.check(ctx, p)
		if checkErr == nil {
			if err := s.markVerified(ctx, p); err != nil {
				return result, err
			}
			result.Verified++
			s.metrics.IncrementOutcome(OutcomeVerified)
			s.logger.InfoContext(ctx, "proof verified",
				"property", p.Property,
				"location", p.Location,
			)
			continue
		}

		tries := p.Tries + 1
		if tries > MaxTries {
			if err := s.store.DeletePending(ctx, p.ID); err != nil {
				return result, fmt.Errorf("delete pending verification: %w", err)
			}
			result.Abandoned++
			s.metrics.IncrementOutcome(OutcomeAbandoned)
			s.logger.InfoContext(ctx, "proof abandoned",
				"property", p.Property,
				"location", p.Location,
				"error", checkErr,
			)
			continue
		}
		if err := s.store.UpdatePendingTries(ctx, p.ID, tries); err != nil {
			return result, fmt.Errorf("update pending verification: %w", err)
		}
		result.Retried++
		s.metrics.IncrementOutcome(OutcomeRetried)
		s.logger.DebugContext(ctx, "proof check failed",
			"property", p.Property,
			"location", p.Location,
			"tries", tries,
			"error", checkErr,
		)
	}
	return result, nil
}

func (s *Service) check(ctx context.Context, p models.PendingVerification) error {
	proof, ok := p.Proof()
	if !ok {
		return fmt.Errorf("no proof for property %q", p.Property)
	}
	identity, err := s.store.GetIdentity(ctx, p.IdentityID)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	attrs, err := s.store.ListAttributes(ctx, identity.ID)
	if err != nil {
		return fmt.Errorf("load attributes: %w", err)
	}

	switch proof := proof.(type) {
	case models.TwitterProof:
		return s.checkTwitter(ctx, identity, attrs, proof)
	case models.WebsiteProof:
		return s.checkWebsite(ctx, identity, attrs, proof)
	default:
		return fmt.Errorf("unsupported proof %T", proof)
	}
}

func (s *Service) checkTwitter(ctx context.Context, identity *models.Identity, attrs []models.Attribute, proof models.TwitterProof) error {
	if !twitterHandle.MatchString(proof.Handle) {
		return errBadHandle
	}
	sig, ok := findAttribute(attrs, models.KeyTwitterSignature)
	if !ok {
		return errNoSignature
	}

	user := strings.TrimPrefix(proof.Handle, "@")
	tweet, err := s.tweets.LatestTweet(ctx, "from:"+user+" "+tweetPhrase)
	if err != nil {
		return err
	}
	if tweet == nil {
		return errNoTweet
	}

	message, checksum, ok := SplitTweet(tweet.Text)
	if !ok {
		return errShortProof
	}
	sum := md5.Sum([]byte(sig.Value))
	if hex.EncodeToString(sum[:]) != checksum {
		return errChecksum
	}
	if err := s.verify(ctx, identity.FederationID, message, sig.Value); err != nil {
		return err
	}
	return s.replaceTweetID(ctx, identity.ID, attrs, tweet.ID)
}

func (s *Service) checkWebsite(ctx context.Context, identity *models.Identity, attrs []models.Attribute, proof models.WebsiteProof) error {
	body, err := s.fetcher.FetchProof(ctx, ProofURL(proof.URL))
	if err != nil {
		return err
	}
	message, sig, ok := SplitWebsiteProof(body)
	if !ok {
		return errShortProof
	}
	return s.verify(ctx, identity.FederationID, message, sig)
}

func (s *Service) verify(ctx context.Context, fid models.FederationID, message, sig string) error {
	ok, err := s.verifier.VerifyText(ctx, fid, message, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errBadSignature
	}
	return nil
}

func (s *Service) replaceTweetID(ctx context.Context, identityID int64, attrs []models.Attribute, tweetID string) error {
	return s.store.RunInTx(ctx, func(txCtx context.Context) error {
		if old, ok := findAttribute(attrs, models.KeyTweetID); ok {
			if err := s.store.DeleteAttribute(txCtx, old.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
				return fmt.Errorf("delete tweet id: %w", err)
			}
		}
		a := &models.Attribute{IdentityID: identityID, Key: models.KeyTweetID, Value: tweetID}
		if err := s.store.InsertAttribute(txCtx, a); err != nil {
			return fmt.Errorf("insert tweet id: %w", err)
		}
		return nil
	})
}

func (s *Service) markVerified(ctx context.Context, p models.PendingVerification) error {
	return s.store.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.store.SetAttributeVerified(txCtx, p.AttributeID, true); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return fmt.Errorf("mark attribute verified: %w", err)
		}
		if err := s.store.DeletePending(txCtx, p.ID); err != nil {
			return fmt.Errorf("delete pending verification: %w", err)
		}
		return nil
	})
}

func findAttribute(attrs []models.Attribute, key models.AttributeKey) (models.Attribute, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a, true
		}
	}
	return models.Attribute{}, false
}

// SplitTweet separates a proof tweet into the signed message and the trailing
// md5 checksum of the signature.
func SplitTweet(text string) (message, checksum string, ok bool) {
	if len(text) < tweetChecksumLen {
		return "", "", false
	}
	cut := len(text) - tweetChecksumLen
	return strings.TrimSpace(text[:cut]), strings.TrimSpace(text[cut:]), true
}

// SplitWebsiteProof normalizes whitespace in a proof file and separates the
// signed message from the trailing base64 signature.
func SplitWebsiteProof(body string) (message, sig string, ok bool) {
	body = strings.TrimSpace(whitespaceRun.ReplaceAllString(body, " "))
	if len(body) < websiteSigLen {
		return "", "", false
	}
	cut := len(body) - websiteSigLen
	return strings.TrimSpace(body[:cut]), body[cut:], true
}

// ProofURL returns the location of the verification file for a website.
func ProofURL(website string) string {
	u := strings.TrimRight(strings.TrimSpace(website), "/")
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return u + websiteProofPath
}
