// Package signaturetest runs a fake home server publishing identity keys and
// signs messages the way a real home server does.
package signaturetest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"lookup/internal/directory/models"
	"lookup/internal/signature"
)

// HomeServer serves /ocs/v2.php/identityproof/key/{user} for registered users.
type HomeServer struct {
	*httptest.Server
	mu       sync.Mutex
	keys     map[string]*rsa.PrivateKey
	requests atomic.Int32
}

// NewHomeServer starts a home server closed at test cleanup.
func NewHomeServer(t *testing.T) *HomeServer {
	t.Helper()
	hs := &HomeServer{keys: make(map[string]*rsa.PrivateKey)}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.serveKey))
	t.Cleanup(hs.Close)
	return hs
}

// Host is the host part federation ids on this server use.
func (hs *HomeServer) Host() string {
	u, _ := url.Parse(hs.URL)
	return u.Host
}

// Requests counts key requests served so far.
func (hs *HomeServer) Requests() int {
	return int(hs.requests.Load())
}

// AddUser generates a key for user and returns its federation id.
func (hs *HomeServer) AddUser(t *testing.T, user string) models.FederationID {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hs.mu.Lock()
	hs.keys[user] = key
	hs.mu.Unlock()
	return models.FederationID(user + "@" + hs.Host())
}

// Sign signs the canonical encoding of a JSON value as user.
func (hs *HomeServer) Sign(t *testing.T, user string, message json.RawMessage) string {
	t.Helper()
	canonical, err := signature.Canonicalize(message)
	require.NoError(t, err)
	return hs.signCanonical(t, user, canonical)
}

// SignText signs a plain string message as user.
func (hs *HomeServer) SignText(t *testing.T, user, text string) string {
	t.Helper()
	return hs.signCanonical(t, user, signature.CanonicalString(text))
}

func (hs *HomeServer) signCanonical(t *testing.T, user string, canonical []byte) string {
	t.Helper()
	hs.mu.Lock()
	key, ok := hs.keys[user]
	hs.mu.Unlock()
	require.True(t, ok, "unknown user %q", user)
	digest := sha512.Sum512(canonical)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA512, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

// Envelope builds a signed claim envelope body for user.
func (hs *HomeServer) Envelope(t *testing.T, user string, data map[string]any, timestamp int64) []byte {
	t.Helper()
	data["federationId"] = user + "@" + hs.Host()
	message, err := json.Marshal(map[string]any{"data": data, "timestamp": timestamp})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message":   json.RawMessage(message),
		"signature": hs.Sign(t, user, message),
	})
	require.NoError(t, err)
	return body
}

func (hs *HomeServer) serveKey(w http.ResponseWriter, r *http.Request) {
	hs.requests.Add(1)
	const prefix = "/ocs/v2.php/identityproof/key/"
	if r.Header.Get("OCS-APIREQUEST") != "true" || !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	user := strings.TrimPrefix(r.URL.Path, prefix)
	hs.mu.Lock()
	key, ok := hs.keys[user]
	hs.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ocs": map[string]any{
			"meta": map[string]any{"status": "ok"},
			"data": map[string]any{"public": string(pemKey)},
		},
	})
}

// RotateKey replaces user's key, invalidating cached copies.
func (hs *HomeServer) RotateKey(t *testing.T, user string) {
	t.Helper()
	hs.AddUser(t, user)
}
