// Package emailconfirm issues and consumes email confirmation tokens.
package emailconfirm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"lookup/internal/directory/models"
	dErrors "lookup/pkg/domain-errors"
	"lookup/pkg/email"
	"lookup/pkg/platform/sentinel"
)

const (
	tokenLength   = 16
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// RoutePrefix is the path under which tokens are consumed.
	RoutePrefix = "/validate/email/"
)

// Store persists confirmation tokens.
type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	ReplaceEmailConfirmation(ctx context.Context, attributeID int64, token string) error
	FindEmailConfirmation(ctx context.Context, token string) (*models.EmailConfirmation, error)
	DeleteEmailConfirmation(ctx context.Context, id int64) error
	SetAttributeVerified(ctx context.Context, id int64, verified bool) error
}

// Sender delivers mail.
type Sender interface {
	Send(msg email.Message) error
}

// Service manages email confirmations.
type Service struct {
	store       Store
	sender      Sender
	publicURL   string
	globalScale bool
	logger      *slog.Logger
	newToken    func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithSender enables delivery of confirmation mail.
func WithSender(s Sender) Option {
	return func(svc *Service) { svc.sender = s }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithTokenGenerator replaces the random token source.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(svc *Service) { svc.newToken = fn }
}

// New creates a Service. Links in mails point at publicURL. In global scale
// mode no confirmations are issued.
func New(store Store, publicURL string, globalScale bool, opts ...Option) *Service {
	s := &Service{
		store:       store,
		publicURL:   strings.TrimRight(publicURL, "/"),
		globalScale: globalScale,
		logger:      slog.Default(),
		newToken:    NewToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestConfirmation replaces any outstanding token of the attribute and
// mails a confirmation link to address.
func (s *Service) RequestConfirmation(ctx context.Context, attributeID int64, address string) error {
	if s.globalScale {
		return nil
	}
	token, err := s.newToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	if err := s.store.ReplaceEmailConfirmation(ctx, attributeID, token); err != nil {
		return fmt.Errorf("store confirmation token: %w", err)
	}
	if s.sender == nil {
		s.logger.DebugContext(ctx, "mail delivery disabled, confirmation not sent",
			"attribute_id", attributeID,
		)
		return nil
	}

	msg := email.Message{
		To:      []string{address},
		Subject: "Email confirmation",
		Body:    "Please click this link to confirm your e-mail address: " + s.Link(token),
	}
	if err := s.sender.Send(msg); err != nil {
		return fmt.Errorf("send confirmation mail: %w", err)
	}
	return nil
}

// Link is the confirmation URL for token.
func (s *Service) Link(token string) string {
	return s.publicURL + RoutePrefix + token
}

// Confirm marks the attribute behind token verified and consumes the token.
func (s *Service) Confirm(ctx context.Context, token string) error {
	return s.store.RunInTx(ctx, func(txCtx context.Context) error {
		c, err := s.store.FindEmailConfirmation(txCtx, token)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeForbidden, "invalid token")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load token")
		}
		if err := s.store.SetAttributeVerified(txCtx, c.AttributeID, true); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify email")
		}
		if err := s.store.DeleteEmailConfirmation(txCtx, c.ID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume token")
		}
		return nil
	})
}

// NewToken returns a random alphanumeric token.
func NewToken() (string, error) {
	limit := big.NewInt(int64(len(tokenAlphabet)))
	var b strings.Builder
	b.Grow(tokenLength)
	for range tokenLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}
