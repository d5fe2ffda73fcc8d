// Package models holds the identity directory's domain types.
package models

import (
	"strings"
)

// FederationID names a user on a home server, "user@host".
type FederationID string

// Split separates the local user from the home host at the last '@'.
// ok is false when either part would be empty.
func (f FederationID) Split() (user, host string, ok bool) {
	s := string(f)
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// Host returns the home host, or "" for malformed ids.
func (f FederationID) Host() string {
	_, host, _ := f.Split()
	return host
}

func (f FederationID) String() string { return string(f) }

// AttributeKey is one of the fixed profile keys an identity may carry.
type AttributeKey string

const (
	KeyName             AttributeKey = "name"
	KeyEmail            AttributeKey = "email"
	KeyAddress          AttributeKey = "address"
	KeyWebsite          AttributeKey = "website"
	KeyTwitter          AttributeKey = "twitter"
	KeyPhone            AttributeKey = "phone"
	KeyTwitterSignature AttributeKey = "twitter_signature"
	KeyWebsiteSignature AttributeKey = "website_signature"
	KeyUserID           AttributeKey = "userid"

	// KeyTweetID is owned by the verification workflow and never part of a claim.
	KeyTweetID AttributeKey = "tweet_id"
)

var claimKeys = []AttributeKey{
	KeyName,
	KeyEmail,
	KeyAddress,
	KeyWebsite,
	KeyTwitter,
	KeyPhone,
	KeyTwitterSignature,
	KeyWebsiteSignature,
	KeyUserID,
}

// ClaimKeys returns the fixed set of keys a signed claim can set.
func ClaimKeys() []AttributeKey {
	out := make([]AttributeKey, len(claimKeys))
	copy(out, claimKeys)
	return out
}

// IsClaimKey reports whether k can be set by a claim.
func (k AttributeKey) IsClaimKey() bool {
	switch k {
	case KeyName, KeyEmail, KeyAddress, KeyWebsite, KeyTwitter, KeyPhone,
		KeyTwitterSignature, KeyWebsiteSignature, KeyUserID:
		return true
	case KeyTweetID:
		return false
	default:
		return false
	}
}

// Provable reports whether an out-of-band proof exists for k.
func (k AttributeKey) Provable() bool {
	switch k {
	case KeyTwitter, KeyWebsite:
		return true
	default:
		return false
	}
}

// Identity is the per-federationId record. LastModified is epoch seconds and
// authoritative for conflict resolution.
type Identity struct {
	ID           int64
	FederationID FederationID
	LastModified int64
}

// Attribute is one profile value of an identity.
type Attribute struct {
	ID         int64
	IdentityID int64
	Key        AttributeKey
	Value      string
	Verified   bool
}

// PendingVerification is an open proof check for one attribute.
type PendingVerification struct {
	ID          int64
	IdentityID  int64
	AttributeID int64
	Property    AttributeKey
	Location    string
	Tries       int
}

// Proof returns the typed proof for the entry.
func (p PendingVerification) Proof() (Proof, bool) {
	return NewProof(p.Property, p.Location)
}

// EmailConfirmation is the single live confirmation token of an email attribute.
type EmailConfirmation struct {
	ID          int64
	AttributeID int64
	Token       string
}

// Instance is a known federation member host.
type Instance struct {
	ID       int64
	Instance string
}

// Claim is the verified payload of a register request.
type Claim struct {
	FederationID FederationID
	Values       map[AttributeKey]string
	// ReaffirmProof lists keys for which the client asks for a new proof check.
	ReaffirmProof map[AttributeKey]bool
	Timestamp     int64
}

// Value returns the claim value for k, "" when absent.
func (c Claim) Value(k AttributeKey) string {
	return c.Values[k]
}

// ReplicatedIdentity is an identity as exchanged between instances.
type ReplicatedIdentity struct {
	FederationID FederationID
	Timestamp    int64
	Attributes   []Attribute
}
