package signature

import "errors"

var (
	// ErrMalformedEnvelope means a claim envelope lacks a required field.
	ErrMalformedEnvelope = errors.New("malformed claim envelope")
	// ErrUnverified means the signature did not verify against the identity's key.
	ErrUnverified = errors.New("signature not verified")
	// ErrMalformedIdentity means a federation id has no user or host part.
	ErrMalformedIdentity = errors.New("malformed federation id")
	// ErrKeyUnavailable means the home server could not be reached or refused the request.
	ErrKeyUnavailable = errors.New("public key unavailable")
	// ErrMalformedKeyResponse means the home server answered with something other than a key envelope.
	ErrMalformedKeyResponse = errors.New("malformed public key response")
)
