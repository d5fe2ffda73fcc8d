package models

// Proof is externally hosted evidence that a signature was produced by the
// owner of an identity. It is either a TwitterProof or a WebsiteProof.
type Proof interface {
	Property() AttributeKey
	Location() string
	sealed()
}

// TwitterProof points to a handle expected to have posted the proof.
type TwitterProof struct {
	Handle string
}

// WebsiteProof points to a site hosting the well-known verification file.
type WebsiteProof struct {
	URL string
}

func (TwitterProof) Property() AttributeKey { return KeyTwitter }
func (p TwitterProof) Location() string     { return p.Handle }
func (TwitterProof) sealed()                {}

func (WebsiteProof) Property() AttributeKey { return KeyWebsite }
func (p WebsiteProof) Location() string     { return p.URL }
func (WebsiteProof) sealed()                {}

// NewProof builds the proof variant for a provable key.
func NewProof(key AttributeKey, location string) (Proof, bool) {
	switch key {
	case KeyTwitter:
		return TwitterProof{Handle: location}, true
	case KeyWebsite:
		return WebsiteProof{URL: location}, true
	default:
		return nil, false
	}
}
