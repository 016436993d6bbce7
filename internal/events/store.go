package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/workbench-io/workbench-go/internal/models"
)

// Store persists the append-only domain-event log. It doubles as the
// bus's version source: versions are allocated from the current
// per-aggregate maximum, and the unique (aggregate_id, version)
// constraint rejects concurrent writers that raced the read.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore opens a database/sql connection for the event log.
func NewStore(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event store: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "eventstore"),
	}, nil
}

// NewStoreWithDB wraps an existing connection (used by tests).
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "eventstore"),
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection so handlers writing to sibling audit
// tables can share it.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// NextVersion returns max(version)+1 for an aggregate.
func (s *Store) NextVersion(ctx context.Context, aggregateID string) (int64, error) {
	var next int64
	err := s.db.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM events.domain_events
		WHERE aggregate_id = $1
	`, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next version for %s: %w", aggregateID, err)
	}
	return next, nil
}

// Append writes one event. Events are never rewritten.
func (s *Store) Append(ctx context.Context, event *models.DomainEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events.domain_events
			(event_id, event_type, aggregate_id, aggregate_type,
			 payload, metadata, occurred_at, user_id, correlation_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.EventID, event.EventType, event.AggregateID, event.AggregateType,
		[]byte(event.Payload), []byte(event.Metadata), event.OccurredAt,
		event.UserID, event.CorrelationID, event.Version)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.EventID, err)
	}
	return nil
}

// ListByAggregate returns the event history of one aggregate in
// version order.
func (s *Store) ListByAggregate(ctx context.Context, aggregateID string) ([]models.DomainEvent, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type,
		       payload, metadata, occurred_at, user_id, correlation_id, version
		FROM events.domain_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var out []models.DomainEvent
	for rows.Next() {
		var e models.DomainEvent
		var payload, metadata []byte
		if err := rows.Scan(&e.EventID, &e.EventType, &e.AggregateID, &e.AggregateType,
			&payload, &metadata, &e.OccurredAt, &e.UserID, &e.CorrelationID, &e.Version); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = payload
		e.Metadata = metadata
		out = append(out, e)
	}
	return out, rows.Err()
}
