package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troupehq/troupe/internal/domain/run"
)

// RunStore implements runstore.Store using PostgreSQL. Terminal runs are
// stored whole as JSONB snapshots; status and timestamps are mirrored into
// columns for querying.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Archive stores a terminal run snapshot, replacing any previous snapshot
// with the same id.
func (s *RunStore) Archive(ctx context.Context, r *run.Run) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, pipeline_id, status, snapshot, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   snapshot = EXCLUDED.snapshot,
		   ended_at = EXCLUDED.ended_at`,
		r.ID, r.PipelineID, string(r.Status), snapshot, r.StartedAt, r.EndedAt)
	if err != nil {
		return fmt.Errorf("archive run %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit terminal runs, most recently ended first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]*run.Run, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT snapshot FROM runs ORDER BY ended_at DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []*run.Run
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan run snapshot: %w", err)
		}
		var r run.Run
		if err := json.Unmarshal(snapshot, &r); err != nil {
			return nil, fmt.Errorf("decode run snapshot: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
