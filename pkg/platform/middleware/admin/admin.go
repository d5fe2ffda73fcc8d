// Package admin guards administrator endpoints with shared secrets.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"lookup/pkg/requestcontext"
)

// SampleAuthKey is the placeholder auth key shipped in sample configuration.
const SampleAuthKey = "secure key, same as the jwt key used on the global site selector and all clients"

// SampleReplicationSecret is the placeholder replication secret shipped in sample configuration.
const SampleReplicationSecret = "foobar"

// SecretMatches compares provided with configured in constant time. An empty
// configured secret, or one on the denied list, never matches.
func SecretMatches(provided, configured string, denied ...string) bool {
	if configured == "" {
		return false
	}
	for _, d := range denied {
		if configured == d {
			return false
		}
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// ValidAuthKey checks a batch endpoint auth key.
func ValidAuthKey(provided, configured string) bool {
	return SecretMatches(provided, configured, SampleAuthKey)
}

// RequireBasicAuth rejects requests whose Basic credentials are not
// user:secret with 401. The secret deny-list applies.
func RequireBasicAuth(user, secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUser, gotPass, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) == 1
			if !ok || !userOK || !SecretMatches(gotPass, secret, SampleReplicationSecret) {
				ctx := r.Context()
				logger.WarnContext(ctx, "basic auth mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"invalid credentials"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
