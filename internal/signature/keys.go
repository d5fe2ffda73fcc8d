package signature

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lookup/internal/directory/models"
)

const (
	keyEndpoint     = "/ocs/v2.php/identityproof/key/"
	maxKeyBodyBytes = 64 << 10
)

// HTTPKeySource fetches a user's public key from their home server's
// identity proof endpoint.
type HTTPKeySource struct {
	client *http.Client
	scheme string
}

// NewHTTPKeySource builds a key source. scheme is "http" or "https".
func NewHTTPKeySource(client *http.Client, scheme string, timeout time.Duration) *HTTPKeySource {
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Timeout = timeout
	if scheme == "" {
		scheme = "http"
	}
	return &HTTPKeySource{client: &c, scheme: scheme}
}

type ocsKeyResponse struct {
	OCS *struct {
		Data *struct {
			Public *string `json:"public"`
		} `json:"data"`
	} `json:"ocs"`
}

// FetchKey returns the PEM encoded public key published for identity.
func (s *HTTPKeySource) FetchKey(ctx context.Context, identity models.FederationID) (string, error) {
	user, host, ok := identity.Split()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformedIdentity, identity)
	}

	ctx, span := otel.Tracer("lookup/signature").Start(ctx, "signature.FetchKey",
		trace.WithAttributes(
			attribute.String("lookup.host", host),
		),
	)
	defer span.End()

	endpoint := s.scheme + "://" + host + keyEndpoint + url.PathEscape(user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return "", fmt.Errorf("%w: build request: %v", ErrKeyUnavailable, err)
	}
	req.Header.Set("OCS-APIREQUEST", "true")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, "unexpected status")
		return "", fmt.Errorf("%w: key endpoint returned %d", ErrKeyUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBodyBytes))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: read body: %v", ErrKeyUnavailable, err)
	}

	var parsed ocsKeyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.SetStatus(codes.Error, "malformed response")
		return "", fmt.Errorf("%w: %v", ErrMalformedKeyResponse, err)
	}
	if parsed.OCS == nil || parsed.OCS.Data == nil || parsed.OCS.Data.Public == nil {
		span.SetStatus(codes.Error, "malformed response")
		return "", fmt.Errorf("%w: missing ocs.data.public", ErrMalformedKeyResponse)
	}
	return *parsed.OCS.Data.Public, nil
}

// ParsePublicKey decodes a PEM RSA public key in PKIX or PKCS#1 form.
func ParsePublicKey(pemKey string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrMalformedKeyResponse)
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is %T, not RSA", ErrMalformedKeyResponse, pub)
		}
		return rsaPub, nil
	}
	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeyResponse, err)
	}
	return rsaPub, nil
}
