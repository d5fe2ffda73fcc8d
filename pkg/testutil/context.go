package testutil

import (
	"net/http"
)

// WithBasicAuth sets Basic credentials on the request.
func WithBasicAuth(req *http.Request, user, password string) *http.Request {
	req.SetBasicAuth(user, password)
	return req
}
