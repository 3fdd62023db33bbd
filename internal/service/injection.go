package service

import (
	"context"
	"fmt"

	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
)

// computeInjections runs the pipeline's injection queries against the record
// store and returns the token -> retrieved-text map. Computed at delivery
// time so the host sees the store as it stands after the run. A query with no
// matches maps its token to the retrieval sentinel.
func (e *Engine) computeInjections(ctx context.Context, def *pipeline.Pipeline, r *run.Run) (map[string]string, error) {
	vars := map[string]string{
		"input":      r.UserInput,
		"user_input": r.UserInput,
		"output":     r.Output,
	}

	tokens := make(map[string]string, len(def.Injections))
	for _, q := range def.Injections {
		query := renderTemplate(queryTemplate(q.QueryTemplate), vars)
		result, err := e.records.Query(ctx, q.StoreID, query, q.TopK)
		if err != nil {
			return nil, fmt.Errorf("injection query %s: %w", q.Token, err)
		}
		if result.Count == 0 {
			tokens[q.Token] = NoRelevantInformation
			continue
		}
		tokens[q.Token] = formatMatches(result.Matches)
	}
	return tokens, nil
}
