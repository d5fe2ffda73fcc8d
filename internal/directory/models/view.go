package models

import "encoding/json"

// AttributeView is the public rendering of one attribute.
type AttributeView struct {
	Value    string `json:"value"`
	Verified int    `json:"verified"`
}

// IdentityView is a search or lookup result. It renders as a flat object:
// {"federationId": "...", "<key>": {"value": "...", "verified": 0|1}, ...}.
type IdentityView struct {
	FederationID FederationID
	Attributes   map[AttributeKey]AttributeView
	Karma        int
}

// NewIdentityView renders an identity with its attributes.
func NewIdentityView(identity Identity, attrs []Attribute) IdentityView {
	view := IdentityView{
		FederationID: identity.FederationID,
		Attributes:   make(map[AttributeKey]AttributeView, len(attrs)),
	}
	for _, a := range attrs {
		v := AttributeView{Value: a.Value}
		if a.Verified {
			v.Verified = 1
			view.Karma++
		}
		view.Attributes[a.Key] = v
	}
	return view
}

func (v IdentityView) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Attributes)+1)
	for k, a := range v.Attributes {
		out[string(k)] = a
	}
	out["federationId"] = v.FederationID
	return json.Marshal(out)
}
