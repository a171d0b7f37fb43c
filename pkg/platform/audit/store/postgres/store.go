package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	audit "custodia/pkg/platform/audit"
)

// Store implements audit.Store on PostgreSQL. Rows are append-only; the
// primary key is a per-row uuid so replays of the same event are harmless.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts an audit event. Idempotent via ON CONFLICT DO NOTHING.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	query := `
		INSERT INTO audit_events (
			id, category, timestamp, transaction_id, entity_id, entity_kind,
			action, performed_by, request_id, reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	var entityID *uuid.UUID
	if event.EntityID != uuid.Nil {
		eid := event.EntityID
		entityID = &eid
	}

	_, err := s.db.ExecContext(ctx, query,
		uuid.New(),
		string(event.Category),
		event.Timestamp,
		event.TransactionID,
		entityID,
		event.EntityKind,
		event.Action,
		event.PerformedBy,
		event.RequestID,
		event.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByEntity returns events for one entity, most recent first.
func (s *Store) ListByEntity(ctx context.Context, entityID uuid.UUID) ([]audit.Event, error) {
	query := `
		SELECT category, timestamp, transaction_id, entity_id, entity_kind,
			   action, performed_by, request_id, reason
		FROM audit_events
		WHERE entity_id = $1
		ORDER BY timestamp DESC
	`

	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListByTransaction returns every event recorded for one write batch.
func (s *Store) ListByTransaction(ctx context.Context, txID uuid.UUID) ([]audit.Event, error) {
	query := `
		SELECT category, timestamp, transaction_id, entity_id, entity_kind,
			   action, performed_by, request_id, reason
		FROM audit_events
		WHERE transaction_id = $1
		ORDER BY timestamp
	`

	rows, err := s.db.QueryContext(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecent returns the N most recent events.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	query := `
		SELECT category, timestamp, transaction_id, entity_id, entity_kind,
			   action, performed_by, request_id, reason
		FROM audit_events
		ORDER BY timestamp DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event

	for rows.Next() {
		var (
			category string
			event    audit.Event
			entityID *uuid.UUID
		)

		err := rows.Scan(
			&category,
			&event.Timestamp,
			&event.TransactionID,
			&entityID,
			&event.EntityKind,
			&event.Action,
			&event.PerformedBy,
			&event.RequestID,
			&event.Reason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}

		event.Category = audit.EventCategory(category)
		if entityID != nil {
			event.EntityID = *entityID
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return events, nil
}
