// Package audit records directory mutations that must leave a trail.
package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their retention needs.
type EventCategory string

const (
	// CategoryCompliance covers changes to the published directory itself.
	CategoryCompliance EventCategory = "compliance"
	// CategoryOperations covers routine activity.
	CategoryOperations EventCategory = "operations"
)

// Event is the stored form of an audit record.
type Event struct {
	ID           string
	Category     EventCategory
	Timestamp    time.Time
	FederationID string
	Action       string
	Decision     string
	Reason       string
	RequestID    string
	ActorID      string
}

type AuditEvent string

const (
	EventIdentityCreated AuditEvent = "identity_created"
	EventIdentityUpdated AuditEvent = "identity_updated"
	EventIdentityCleared AuditEvent = "identity_cleared"
	EventInstanceRemoved AuditEvent = "instance_removed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventIdentityCreated: CategoryCompliance,
	EventIdentityUpdated: CategoryCompliance,
	EventIdentityCleared: CategoryCompliance,
	EventInstanceRemoved: CategoryCompliance,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// ComplianceEvent is what domain code emits. Publishers stamp and store it.
type ComplianceEvent struct {
	Timestamp    time.Time
	FederationID string
	Action       AuditEvent
	Decision     string
	Reason       string
	RequestID    string
	// ActorID names who acted when it was not the identity owner, e.g. "admin".
	ActorID string
}

// ToEvent converts e to its stored form.
func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:     e.Action.Category(),
		Timestamp:    e.Timestamp,
		FederationID: e.FederationID,
		Action:       string(e.Action),
		Decision:     e.Decision,
		Reason:       e.Reason,
		RequestID:    e.RequestID,
		ActorID:      e.ActorID,
	}
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByFederationID(ctx context.Context, fid string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
