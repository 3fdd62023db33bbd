package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/port/datastore"
	"github.com/troupehq/troupe/internal/port/generation"
)

// NoRelevantInformation is the fixed sentinel produced by retrieval actions
// that match nothing. An empty store is a successful outcome, not a failure.
const NoRelevantInformation = "No relevant information found."

// dispatch executes one attempt of an action body. The type set is closed at
// registration, so the switch is exhaustive; user_gavel never reaches here.
// Dispatch only computes: all state mutation happens on the run goroutine
// after the attempt settles.
func (e *Engine) dispatch(ctx context.Context, act *pipeline.Action, input string, vars map[string]string) (string, []run.Response, error) {
	switch act.Type {
	case pipeline.ActionStandard:
		return e.dispatchStandard(ctx, act, input, vars)
	case pipeline.ActionCRUDPipeline:
		out, err := e.dispatchCRUD(ctx, act.CRUD, input, vars)
		return out, nil, err
	case pipeline.ActionRAGPipeline, pipeline.ActionDeliberativeRAG:
		// deliberative_rag delegates to the plain retrieval path.
		out, err := e.dispatchRAG(ctx, act.RAG, vars)
		return out, nil, err
	case pipeline.ActionSystem:
		return renderTemplate(act.Template, vars), nil, nil
	case pipeline.ActionCharacterWorkshop:
		return e.dispatchWorkshop(ctx, act, input, vars)
	default:
		return "", nil, fmt.Errorf("action type %q: %w", act.Type, domain.ErrValidation)
	}
}

// dispatchStandard resolves participants, optionally runs the retrieval
// sub-step to build extra context, then hands off to the orchestration
// strategy. The consolidated response is the output.
func (e *Engine) dispatchStandard(ctx context.Context, act *pipeline.Action, input string, vars map[string]string) (string, []run.Response, error) {
	parts, err := e.registry.Resolve(ctx, act.Participants)
	if err != nil {
		return "", nil, fmt.Errorf("resolve participants: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("no participants resolved: %w", domain.ErrValidation)
	}

	base := cloneVars(vars)
	if act.Retrieval != nil {
		snippet, err := e.retrieveContext(ctx, act.Retrieval, vars)
		if err != nil {
			return "", nil, err
		}
		if snippet != "" {
			base["retrieved_context"] = snippet
		}
	}

	strat := act.Strategy
	if strat == "" {
		strat = pipeline.StrategySequential
	}
	responses, err := e.orchestrate(ctx, strat, parts, input, base)
	if err != nil {
		return "", nil, err
	}
	return consolidateResponses(responses).Text, responses, nil
}

// retrieveContext runs a standard action's optional retrieval sub-step.
// No matches means no extra context, not a failure.
func (e *Engine) retrieveContext(ctx context.Context, spec *pipeline.RAGSpec, vars map[string]string) (string, error) {
	query := renderTemplate(queryTemplate(spec.QueryTemplate), vars)
	result, err := e.records.Query(ctx, spec.StoreID, query, spec.TopK)
	if err != nil {
		return "", fmt.Errorf("retrieval query: %w", err)
	}
	if result.Count == 0 {
		return "", nil
	}
	return formatMatches(result.Matches), nil
}

// dispatchRAG runs a retrieval action: substitute the query template, query
// the store, format the matches. Zero matches yields the literal sentinel and
// the action succeeds.
func (e *Engine) dispatchRAG(ctx context.Context, spec *pipeline.RAGSpec, vars map[string]string) (string, error) {
	query := renderTemplate(queryTemplate(spec.QueryTemplate), vars)
	result, err := e.records.Query(ctx, spec.StoreID, query, spec.TopK)
	if err != nil {
		return "", fmt.Errorf("retrieval query: %w", err)
	}
	if result.Count == 0 {
		return NoRelevantInformation, nil
	}
	return formatMatches(result.Matches), nil
}

// dispatchCRUD runs one record-store operation using the resolved input.
// Non-text results are serialized to JSON text.
func (e *Engine) dispatchCRUD(ctx context.Context, spec *pipeline.CRUDSpec, input string, vars map[string]string) (string, error) {
	recordID := renderTemplate(spec.RecordID, vars)
	switch spec.Op {
	case pipeline.CRUDCreate:
		created, err := e.records.Create(ctx, spec.StoreID, buildRecord(spec, input))
		if err != nil {
			return "", fmt.Errorf("create record: %w", err)
		}
		return recordText(created), nil
	case pipeline.CRUDRead:
		rec, err := e.records.Get(ctx, spec.StoreID, recordID)
		if err != nil {
			return "", fmt.Errorf("read record %s: %w", recordID, err)
		}
		return recordText(rec), nil
	case pipeline.CRUDUpdate:
		updated, err := e.records.Update(ctx, spec.StoreID, recordID, buildRecord(spec, input))
		if err != nil {
			return "", fmt.Errorf("update record %s: %w", recordID, err)
		}
		return recordText(updated), nil
	case pipeline.CRUDDelete:
		if err := e.records.Delete(ctx, spec.StoreID, recordID); err != nil {
			return "", fmt.Errorf("delete record %s: %w", recordID, err)
		}
		data, _ := json.Marshal(map[string]string{"deleted": recordID})
		return string(data), nil
	default:
		return "", fmt.Errorf("crud op %q: %w", spec.Op, domain.ErrValidation)
	}
}

// dispatchWorkshop has each resolved character respond in character to the
// same input; outputs are concatenated with participant-name labels.
func (e *Engine) dispatchWorkshop(ctx context.Context, act *pipeline.Action, input string, vars map[string]string) (string, []run.Response, error) {
	parts, err := e.registry.Resolve(ctx, act.Participants)
	if err != nil {
		return "", nil, fmt.Errorf("resolve participants: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("no participants resolved: %w", domain.ErrValidation)
	}

	responses := make([]run.Response, 0, len(parts))
	labeled := make([]string, 0, len(parts))
	for _, p := range parts {
		text, err := e.generate(ctx, generation.Request{
			Participant: p,
			Prompt:      input,
			Context:     cloneVars(vars),
		})
		if err != nil {
			return "", nil, fmt.Errorf("participant %s: %w", p.ID, err)
		}
		responses = append(responses, run.Response{ParticipantID: p.ID, ParticipantName: p.Name, Text: text})
		labeled = append(labeled, p.Name+": "+text)
	}
	return strings.Join(labeled, "\n\n"), responses, nil
}

// queryTemplate defaults an empty retrieval query template to the resolved
// input.
func queryTemplate(tmpl string) string {
	if tmpl == "" {
		return "{{input}}"
	}
	return tmpl
}

// formatMatches renders retrieval hits best first, separated by blank lines.
func formatMatches(matches []datastore.Match) string {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Record.Text != "" {
			parts = append(parts, m.Record.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildRecord assembles the record for create/update: the literal data fields
// plus the resolved input in the configured field (default "text").
func buildRecord(spec *pipeline.CRUDSpec, input string) datastore.Record {
	fields := make(map[string]any, len(spec.Data)+1)
	for k, v := range spec.Data {
		fields[k] = v
	}
	field := spec.Field
	if field == "" {
		field = "text"
	}
	fields[field] = input
	return datastore.Record{Fields: fields, Text: input}
}

// recordText serializes a record to text: its text body when present, its
// fields as JSON otherwise.
func recordText(rec *datastore.Record) string {
	if rec.Text != "" {
		return rec.Text
	}
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Sprintf("%v", rec.Fields)
	}
	return string(data)
}

func cloneVars(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
