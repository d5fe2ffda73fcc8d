// Package signature verifies that a federated identity signed a message,
// using the RSA key published by the identity's home server.
package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"lookup/internal/directory/models"
)

// KeySource retrieves the PEM public key of an identity.
type KeySource interface {
	FetchKey(ctx context.Context, identity models.FederationID) (string, error)
}

// Verifier checks RSA-SHA512 signatures over canonical JSON.
type Verifier struct {
	keys         KeySource
	cache        KeyCache
	logger       *slog.Logger
	group        singleflight.Group
	fetchTimeout time.Duration
}

// DefaultFetchTimeout bounds a shared key fetch.
const DefaultFetchTimeout = 10 * time.Second

// Option configures a Verifier.
type Option func(*Verifier)

// WithKeyCache caches fetched keys.
func WithKeyCache(c KeyCache) Option {
	return func(v *Verifier) {
		v.cache = c
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// WithFetchTimeout bounds a key fetch independently of the callers waiting on it.
func WithFetchTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.fetchTimeout = d
		}
	}
}

// NewVerifier creates a Verifier that fetches keys from keys.
func NewVerifier(keys KeySource, opts ...Option) *Verifier {
	v := &Verifier{keys: keys, logger: slog.Default(), fetchTimeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether signatureB64 is a valid signature by identity over
// the canonical encoding of the JSON value message. Key retrieval and parse
// failures are returned as errors, never folded into false.
func (v *Verifier) Verify(ctx context.Context, identity models.FederationID, message json.RawMessage, signatureB64 string) (bool, error) {
	canonical, err := Canonicalize(message)
	if err != nil {
		return false, err
	}
	return v.verifyCanonical(ctx, identity, canonical, signatureB64)
}

// VerifyText is Verify for a plain string message.
func (v *Verifier) VerifyText(ctx context.Context, identity models.FederationID, text, signatureB64 string) (bool, error) {
	return v.verifyCanonical(ctx, identity, CanonicalString(text), signatureB64)
}

func (v *Verifier) verifyCanonical(ctx context.Context, identity models.FederationID, canonical []byte, signatureB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return false, nil
	}

	pemKey, cached, err := v.publicKey(ctx, identity)
	if err != nil {
		return false, err
	}
	pub, err := ParsePublicKey(pemKey)
	if err == nil && checkSignature(pub, canonical, sig) {
		return true, nil
	}
	if !cached {
		return false, err
	}

	// The home server may have rotated its key since it was cached.
	v.evict(ctx, identity)
	pemKey, _, err = v.publicKey(ctx, identity)
	if err != nil {
		return false, err
	}
	pub, err = ParsePublicKey(pemKey)
	if err != nil {
		return false, err
	}
	return checkSignature(pub, canonical, sig), nil
}

func checkSignature(pub *rsa.PublicKey, message, sig []byte) bool {
	digest := sha512.Sum512(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA512, digest[:], sig) == nil
}

// publicKey returns the identity's key and whether it came from the cache.
// Concurrent misses for one identity share a single fetch.
func (v *Verifier) publicKey(ctx context.Context, identity models.FederationID) (string, bool, error) {
	if v.cache != nil {
		pemKey, ok, err := v.cache.Get(ctx, identity)
		if err != nil {
			v.logger.WarnContext(ctx, "public key cache read failed",
				"federation_id", identity,
				"error", err,
			)
		} else if ok {
			return pemKey, true, nil
		}
	}

	// The fetch is shared, so it must outlive any single caller's cancellation.
	ch := v.group.DoChan(string(identity), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.fetchTimeout)
		defer cancel()
		return v.keys.FetchKey(fetchCtx, identity)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return "", false, res.Err
	}
	pemKey := res.Val.(string)

	if v.cache != nil {
		if err := v.cache.Set(ctx, identity, pemKey); err != nil {
			v.logger.WarnContext(ctx, "public key cache write failed",
				"federation_id", identity,
				"error", err,
			)
		}
	}
	return pemKey, false, nil
}

func (v *Verifier) evict(ctx context.Context, identity models.FederationID) {
	if v.cache == nil {
		return
	}
	if err := v.cache.Delete(ctx, identity); err != nil {
		v.logger.WarnContext(ctx, "public key cache evict failed",
			"federation_id", identity,
			"error", err,
		)
	}
}

// Envelope is a parsed claim envelope.
type Envelope struct {
	FederationID models.FederationID
	// Host is the home host of FederationID.
	Host      string
	Data      map[string]json.RawMessage
	Timestamp int64
	// Message is the signed message exactly as received.
	Message   json.RawMessage
	Signature string
}

type rawEnvelope struct {
	Message   json.RawMessage `json:"message"`
	Signature *string         `json:"signature"`
}

type rawMessage struct {
	Data      map[string]json.RawMessage `json:"data"`
	Timestamp json.RawMessage            `json:"timestamp"`
}

// ParseEnvelope decodes {message:{data:{federationId,...},timestamp},signature}.
// Any missing required field yields ErrMalformedEnvelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(env.Message) == 0 || string(env.Message) == "null" {
		return nil, fmt.Errorf("%w: missing message", ErrMalformedEnvelope)
	}
	if env.Signature == nil {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedEnvelope)
	}

	var msg rawMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrMalformedEnvelope, err)
	}
	if msg.Data == nil {
		return nil, fmt.Errorf("%w: missing message.data", ErrMalformedEnvelope)
	}

	var fid string
	if raw, ok := msg.Data["federationId"]; !ok || json.Unmarshal(raw, &fid) != nil || fid == "" {
		return nil, fmt.Errorf("%w: missing federationId", ErrMalformedEnvelope)
	}
	_, host, ok := models.FederationID(fid).Split()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, ErrMalformedIdentity)
	}

	ts, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	return &Envelope{
		FederationID: models.FederationID(fid),
		Host:         host,
		Data:         msg.Data,
		Timestamp:    ts,
		Message:      env.Message,
		Signature:    *env.Signature,
	}, nil
}

// parseTimestamp accepts an integer JSON number or a string of digits.
func parseTimestamp(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing timestamp")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		ts, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("timestamp %s is not an integer", n)
		}
		return ts, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("timestamp is neither number nor string")
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q is not an integer", s)
	}
	return ts, nil
}

// VerifyEnvelope parses body and verifies the signature over its message.
// It returns ErrMalformedEnvelope for structural problems, ErrUnverified when
// the signature is wrong, and key retrieval errors as they occur.
func (v *Verifier) VerifyEnvelope(ctx context.Context, body []byte) (*Envelope, error) {
	env, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}
	ok, err := v.Verify(ctx, env.FederationID, env.Message, env.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnverified
	}
	return env, nil
}
