package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	audit "lookup/pkg/platform/audit"
	txcontext "lookup/pkg/platform/tx"
)

// Store implements audit.Store on the audit_events table. Appends made with a
// transaction context commit or roll back with the directory change.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts event. Events without an ID get a fresh one.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()
	if event.ID != "" {
		parsed, err := uuid.Parse(event.ID)
		if err != nil {
			return fmt.Errorf("parse audit event id: %w", err)
		}
		eventID = parsed
	}
	category := audit.AuditEvent(event.Action).Category()

	query := `
		INSERT INTO audit_events (
			id, category, timestamp, federation_id, action,
			decision, reason, request_id, actor_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		eventID,
		string(category),
		event.Timestamp,
		event.FederationID,
		event.Action,
		event.Decision,
		event.Reason,
		event.RequestID,
		event.ActorID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByFederationID returns the events recorded for fid, oldest first.
func (s *Store) ListByFederationID(ctx context.Context, fid string) ([]audit.Event, error) {
	query := `
		SELECT id, category, timestamp, federation_id, action, decision, reason, request_id, actor_id
		FROM audit_events
		WHERE federation_id = $1
		ORDER BY timestamp ASC, id ASC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, fid)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return scanEvents(rows)
}

// ListRecent returns the newest limit events, most recent first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	query := `
		SELECT id, category, timestamp, federation_id, action, decision, reason, request_id, actor_id
		FROM audit_events
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent audit events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	defer rows.Close()
	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			id       uuid.UUID
			category string
		)
		if err := rows.Scan(&id, &category, &e.Timestamp, &e.FederationID, &e.Action,
			&e.Decision, &e.Reason, &e.RequestID, &e.ActorID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ID = id.String()
		e.Category = audit.EventCategory(category)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
