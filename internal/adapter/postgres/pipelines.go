package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/pipeline"
)

// PipelineStore implements pipelines.Store using PostgreSQL. Definitions
// are stored whole as JSONB; the builtin flag lives in its own column so
// the deletion guard never depends on payload parsing.
type PipelineStore struct {
	pool *pgxpool.Pool
}

// NewPipelineStore creates a PipelineStore backed by the given pool.
func NewPipelineStore(pool *pgxpool.Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

// Get returns the definition with the given id.
func (s *PipelineStore) Get(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT definition, builtin FROM pipelines WHERE id = $1`, id)

	p, err := scanPipeline(row)
	if err != nil {
		return nil, notFoundWrap(err, "get pipeline %s", id)
	}
	return p, nil
}

// List returns all known definitions ordered by id.
func (s *PipelineStore) List(ctx context.Context) ([]pipeline.Pipeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT definition, builtin FROM pipelines ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var defs []pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		defs = append(defs, *p)
	}
	return defs, rows.Err()
}

// Save stores or replaces a definition.
func (s *PipelineStore) Save(ctx context.Context, p *pipeline.Pipeline) error {
	def, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pipeline %s: %w", p.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipelines (id, definition, builtin)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   definition = EXCLUDED.definition,
		   builtin = EXCLUDED.builtin,
		   updated_at = now()`,
		p.ID, def, p.Builtin)
	if err != nil {
		return fmt.Errorf("save pipeline %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes a definition. Builtins are rejected.
func (s *PipelineStore) Delete(ctx context.Context, id string) error {
	var builtin bool
	err := s.pool.QueryRow(ctx, `SELECT builtin FROM pipelines WHERE id = $1`, id).Scan(&builtin)
	if err != nil {
		return notFoundWrap(err, "delete pipeline %s", id)
	}
	if builtin {
		return fmt.Errorf("delete pipeline %s: builtin definitions cannot be deleted: %w", id, domain.ErrValidation)
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1 AND NOT builtin`, id)
	return execExpectOne(tag, err, "delete pipeline %s", id)
}

func scanPipeline(row scannable) (*pipeline.Pipeline, error) {
	var def []byte
	var builtin bool
	if err := row.Scan(&def, &builtin); err != nil {
		return nil, err
	}

	var p pipeline.Pipeline
	if err := json.Unmarshal(def, &p); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	p.Builtin = builtin
	return &p, nil
}
