package signature_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookup/internal/directory/models"
	"lookup/internal/signature"
	"lookup/internal/signature/signaturetest"
)

func newVerifier(opts ...signature.Option) *signature.Verifier {
	keys := signature.NewHTTPKeySource(http.DefaultClient, "http", 10*time.Second)
	return signature.NewVerifier(keys, opts...)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	hs := signaturetest.NewHomeServer(t)
	alice := hs.AddUser(t, "alice")
	message := json.RawMessage(`{"data":{"federationId":"` + string(alice) + `","name":"Alice"},"timestamp":100}`)
	sig := hs.Sign(t, "alice", message)
	v := newVerifier()

	t.Run("valid signature", func(t *testing.T) {
		ok, err := v.Verify(ctx, alice, message, sig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("whitespace in the message does not matter", func(t *testing.T) {
		spaced := json.RawMessage(`{ "data": { "federationId": "` + string(alice) + `", "name": "Alice" }, "timestamp": 100 }`)
		ok, err := v.Verify(ctx, alice, spaced, sig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("tampered message", func(t *testing.T) {
		tampered := json.RawMessage(strings.Replace(string(message), "Alice", "Mallory", 1))
		ok, err := v.Verify(ctx, alice, tampered, sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("reordered keys change the signed bytes", func(t *testing.T) {
		reordered := json.RawMessage(`{"timestamp":100,"data":{"federationId":"` + string(alice) + `","name":"Alice"}}`)
		ok, err := v.Verify(ctx, alice, reordered, sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signature that is not base64", func(t *testing.T) {
		ok, err := v.Verify(ctx, alice, message, "%%%not-base64%%%")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown user is an error, not false", func(t *testing.T) {
		ok, err := v.Verify(ctx, models.FederationID("bob@"+hs.Host()), message, sig)
		assert.ErrorIs(t, err, signature.ErrKeyUnavailable)
		assert.False(t, ok)
	})

	t.Run("unreachable host is an error", func(t *testing.T) {
		ok, err := v.Verify(ctx, "alice@127.0.0.1:1", message, sig)
		assert.ErrorIs(t, err, signature.ErrKeyUnavailable)
		assert.False(t, ok)
	})
}

func TestVerifyText(t *testing.T) {
	hs := signaturetest.NewHomeServer(t)
	alice := hs.AddUser(t, "alice")
	text := "Use my Federated Cloud ID to share with me: " + string(alice)
	sig := hs.SignText(t, "alice", text)

	ok, err := newVerifier().VerifyText(context.Background(), alice, text, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyMalformedKeyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ocs":{"data":{}}}`))
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	_, err := newVerifier().Verify(context.Background(), models.FederationID("alice@"+host), json.RawMessage(`"x"`), "AAAA")
	assert.ErrorIs(t, err, signature.ErrMalformedKeyResponse)
}

func TestVerifyUsesCacheAndRefreshesRotatedKeys(t *testing.T) {
	ctx := context.Background()
	hs := signaturetest.NewHomeServer(t)
	alice := hs.AddUser(t, "alice")
	v := newVerifier(signature.WithKeyCache(signature.NewMemoryKeyCache(time.Minute)))

	sig := hs.SignText(t, "alice", "hello")
	for i := 0; i < 3; i++ {
		ok, err := v.VerifyText(ctx, alice, "hello", sig)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 1, hs.Requests(), "key fetched once then served from cache")

	hs.RotateKey(t, "alice")
	sig = hs.SignText(t, "alice", "hello")
	ok, err := v.VerifyText(ctx, alice, "hello", sig)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, hs.Requests(), "stale cached key triggers one refetch")
}

// gatedKeySource holds every fetch until release is closed.
type gatedKeySource struct {
	inner   signature.KeySource
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedKeySource) FetchKey(ctx context.Context, identity models.FederationID) (string, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.inner.FetchKey(ctx, identity)
}

func TestSharedKeyFetchSurvivesFirstCallerCancel(t *testing.T) {
	hs := signaturetest.NewHomeServer(t)
	alice := hs.AddUser(t, "alice")
	sig := hs.SignText(t, "alice", "hello")
	keys := &gatedKeySource{
		inner:   signature.NewHTTPKeySource(http.DefaultClient, "http", 10*time.Second),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	v := signature.NewVerifier(keys)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := v.VerifyText(firstCtx, alice, "hello", sig)
		firstErr <- err
	}()
	<-keys.started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled, "the cancelled caller returns without waiting for the fetch")

	type outcome struct {
		ok  bool
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		ok, err := v.VerifyText(context.Background(), alice, "hello", sig)
		second <- outcome{ok, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(keys.release)

	got := <-second
	require.NoError(t, got.err)
	assert.True(t, got.ok)
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantTS  int64
	}{
		{name: "complete", body: `{"message":{"data":{"federationId":"a@example.org"},"timestamp":5},"signature":"x"}`, wantTS: 5},
		{name: "string timestamp", body: `{"message":{"data":{"federationId":"a@example.org"},"timestamp":"7"},"signature":"x"}`, wantTS: 7},
		{name: "missing signature", body: `{"message":{"data":{"federationId":"a@example.org"},"timestamp":5}}`, wantErr: true},
		{name: "missing timestamp", body: `{"message":{"data":{"federationId":"a@example.org"}},"signature":"x"}`, wantErr: true},
		{name: "missing federation id", body: `{"message":{"data":{"name":"A"},"timestamp":5},"signature":"x"}`, wantErr: true},
		{name: "federation id without host", body: `{"message":{"data":{"federationId":"alice"},"timestamp":5},"signature":"x"}`, wantErr: true},
		{name: "fractional timestamp", body: `{"message":{"data":{"federationId":"a@example.org"},"timestamp":5.5},"signature":"x"}`, wantErr: true},
		{name: "not json", body: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := signature.ParseEnvelope([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, signature.ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTS, env.Timestamp)
			assert.Equal(t, "example.org", env.Host)
		})
	}
}

func TestVerifyEnvelope(t *testing.T) {
	ctx := context.Background()
	hs := signaturetest.NewHomeServer(t)
	hs.AddUser(t, "alice")
	v := newVerifier()

	body := hs.Envelope(t, "alice", map[string]any{"name": "Alice"}, 100)
	env, err := v.VerifyEnvelope(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, hs.Host(), env.Host)
	assert.Equal(t, int64(100), env.Timestamp)

	var forged map[string]any
	require.NoError(t, json.Unmarshal(body, &forged))
	forged["signature"] = hs.SignText(t, "alice", "something else")
	forgedBody, _ := json.Marshal(forged)
	_, err = v.VerifyEnvelope(ctx, forgedBody)
	assert.ErrorIs(t, err, signature.ErrUnverified)

	_, err = v.VerifyEnvelope(ctx, []byte(`{"message":{}}`))
	assert.ErrorIs(t, err, signature.ErrMalformedEnvelope)
}
