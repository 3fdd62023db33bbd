package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troupehq/troupe/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into run_events, assigning the next per-run
// version and the creation timestamp. The version subquery is atomic with
// the insert; the engine has a single writer per run.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO run_events (run_id, phase_id, action_id, event_type, payload, request_id, version)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         (SELECT COALESCE(MAX(version), 0) + 1 FROM run_events WHERE run_id = $1))
		 RETURNING id, version, created_at`,
		ev.RunID, ev.PhaseID, ev.ActionID, string(ev.Type), payload, ev.RequestID)

	if err := row.Scan(&ev.ID, &ev.Version, &ev.CreatedAt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadByRun returns all events for the given run, ordered by version ascending.
func (s *EventStore) LoadByRun(ctx context.Context, runID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, phase_id, action_id, event_type, payload, request_id, version, created_at
		 FROM run_events WHERE run_id = $1 ORDER BY version ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events by run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.PhaseID, &ev.ActionID, &ev.Type, &payload, &ev.RequestID, &ev.Version, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}
