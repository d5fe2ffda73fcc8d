package replication

import "lookup/internal/directory/models"

// PageSize is the number of identities per export page.
const PageSize = 100

// User is an identity on the replication wire.
type User struct {
	CloudID   string  `json:"cloudId"`
	Timestamp int64   `json:"timestamp"`
	Data      []Value `json:"data"`
}

// Value is one attribute on the replication wire. Validated is 0 or 1.
type Value struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Validated int    `json:"validated"`
}

// FromIdentity converts a stored identity for export.
func FromIdentity(identity models.Identity, attrs []models.Attribute) User {
	u := User{
		CloudID:   string(identity.FederationID),
		Timestamp: identity.LastModified,
		Data:      make([]Value, 0, len(attrs)),
	}
	for _, a := range attrs {
		v := Value{Key: string(a.Key), Value: a.Value}
		if a.Verified {
			v.Validated = 1
		}
		u.Data = append(u.Data, v)
	}
	return u
}

// ToReplicated converts a wire user for import.
func (u User) ToReplicated() models.ReplicatedIdentity {
	r := models.ReplicatedIdentity{
		FederationID: models.FederationID(u.CloudID),
		Timestamp:    u.Timestamp,
		Attributes:   make([]models.Attribute, 0, len(u.Data)),
	}
	for _, v := range u.Data {
		r.Attributes = append(r.Attributes, models.Attribute{
			Key:      models.AttributeKey(v.Key),
			Value:    v.Value,
			Verified: v.Validated != 0,
		})
	}
	return r
}
