package verification_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookup/internal/verification"
)

func newTwitterAPI(t *testing.T, search http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"app-token","token_type":"bearer"}`)
	})
	mux.HandleFunc("/2/tweets/search/recent", search)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTwitterClientLatestTweet(t *testing.T) {
	var gotQuery, gotAuth string
	srv := newTwitterAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[{"id":"42","text":"newest"},{"id":"41","text":"older"}]}`)
	})

	client := verification.NewTwitterClient(context.Background(), srv.URL, "key", "secret", 5*time.Second)
	tweet, err := client.LatestTweet(context.Background(), "from:alice hello")
	require.NoError(t, err)
	require.NotNil(t, tweet)
	assert.Equal(t, &verification.Tweet{ID: "42", Text: "newest"}, tweet)
	assert.Equal(t, "from:alice hello", gotQuery)
	assert.Equal(t, "Bearer app-token", gotAuth)
}

func TestTwitterClientNoResults(t *testing.T) {
	srv := newTwitterAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"meta":{"result_count":0}}`)
	})

	client := verification.NewTwitterClient(context.Background(), srv.URL, "key", "secret", 5*time.Second)
	tweet, err := client.LatestTweet(context.Background(), "from:alice hello")
	require.NoError(t, err)
	assert.Nil(t, tweet)
}

func TestTwitterClientErrors(t *testing.T) {
	srv := newTwitterAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client := verification.NewTwitterClient(context.Background(), srv.URL, "key", "secret", 5*time.Second)
	_, err := client.LatestTweet(context.Background(), "q")
	assert.Error(t, err)

	bad := verification.NewTwitterClient(context.Background(), srv.URL, "key", "wrong", 5*time.Second)
	_, err = bad.LatestTweet(context.Background(), "q")
	assert.Error(t, err)
}

func TestHTTPProofFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "proof body")
	}))
	t.Cleanup(srv.Close)

	f := verification.NewHTTPProofFetcher(nil, 5*time.Second)
	body, err := f.FetchProof(context.Background(), srv.URL+"/proof")
	require.NoError(t, err)
	assert.Equal(t, "proof body", body)

	_, err = f.FetchProof(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
