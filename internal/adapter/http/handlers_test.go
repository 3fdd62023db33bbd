package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	troupehttp "github.com/troupehq/troupe/internal/adapter/http"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/event"
	"github.com/troupehq/troupe/internal/domain/gavel"
	"github.com/troupehq/troupe/internal/domain/participant"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/port/datastore"
	"github.com/troupehq/troupe/internal/port/generation"
	"github.com/troupehq/troupe/internal/port/messagequeue"
	"github.com/troupehq/troupe/internal/service"
)

// --- Mocks ---

var errNotFound = fmt.Errorf("mock: %w", domain.ErrNotFound)

type mockPipelines struct {
	mu   sync.Mutex
	defs map[string]*pipeline.Pipeline
}

func (m *mockPipelines) Get(_ context.Context, id string) (*pipeline.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.defs[id]; ok {
		return p, nil
	}
	return nil, errNotFound
}

func (m *mockPipelines) List(_ context.Context) ([]pipeline.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.Pipeline, 0, len(m.defs))
	for _, p := range m.defs {
		out = append(out, *p)
	}
	return out, nil
}

func (m *mockPipelines) Save(_ context.Context, p *pipeline.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defs == nil {
		m.defs = map[string]*pipeline.Pipeline{}
	}
	m.defs[p.ID] = p
	return nil
}

func (m *mockPipelines) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.defs[id]
	if !ok {
		return errNotFound
	}
	if p.Builtin {
		return fmt.Errorf("pipeline %s is builtin: %w", id, domain.ErrValidation)
	}
	delete(m.defs, id)
	return nil
}

type mockResolver struct{}

func (m *mockResolver) Resolve(_ context.Context, refs []pipeline.ParticipantRef) ([]participant.Participant, error) {
	out := make([]participant.Participant, len(refs))
	for i, ref := range refs {
		out[i] = participant.Participant{ID: ref.Agent, Name: ref.Agent}
	}
	return out, nil
}

// mockGen echoes prompts. With a block channel set, every call waits for the
// channel (or context cancellation) before responding.
type mockGen struct {
	mu    sync.Mutex
	block chan struct{}
}

func (m *mockGen) Generate(ctx context.Context, req generation.Request) (string, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "echo: " + req.Prompt, nil
}

type mockRecords struct {
	mu      sync.Mutex
	stores  map[string]map[string]datastore.Record
	matches map[string][]datastore.Match
	nextID  int
}

func (m *mockRecords) Create(_ context.Context, storeID string, rec datastore.Record) (*datastore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stores == nil {
		m.stores = map[string]map[string]datastore.Record{}
	}
	if m.stores[storeID] == nil {
		m.stores[storeID] = map[string]datastore.Record{}
	}
	m.nextID++
	rec.ID = fmt.Sprintf("rec-%d", m.nextID)
	rec.StoreID = storeID
	m.stores[storeID][rec.ID] = rec
	return &rec, nil
}

func (m *mockRecords) Get(_ context.Context, storeID, id string) (*datastore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.stores[storeID][id]; ok {
		return &rec, nil
	}
	return nil, errNotFound
}

func (m *mockRecords) Update(_ context.Context, storeID, id string, rec datastore.Record) (*datastore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[storeID][id]; !ok {
		return nil, errNotFound
	}
	rec.ID = id
	rec.StoreID = storeID
	m.stores[storeID][id] = rec
	return &rec, nil
}

func (m *mockRecords) Delete(_ context.Context, storeID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[storeID][id]; !ok {
		return errNotFound
	}
	delete(m.stores[storeID], id)
	return nil
}

func (m *mockRecords) List(_ context.Context, storeID string) ([]datastore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.Record
	for _, rec := range m.stores[storeID] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockRecords) Query(_ context.Context, storeID, _ string, _ int) (*datastore.QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.matches[storeID]
	return &datastore.QueryResult{Matches: matches, Count: len(matches)}, nil
}

type mockSink struct{}

func (m *mockSink) DeliverText(_ context.Context, _, _ string) error   { return nil }
func (m *mockSink) DeliverPrompt(_ context.Context, _, _ string) error { return nil }
func (m *mockSink) DeliverInjections(_ context.Context, _ string, _ map[string]string) error {
	return nil
}

type mockQueue struct{}

func (m *mockQueue) Publish(_ context.Context, _ string, _ []byte) error { return nil }
func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

type mockHub struct{}

func (m *mockHub) BroadcastEvent(_ context.Context, _ string, _ any) {}

type mockEvents struct {
	mu     sync.Mutex
	events []event.Event
}

func (m *mockEvents) Append(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 1
	for _, e := range m.events {
		if e.RunID == ev.RunID {
			version++
		}
	}
	ev.ID = fmt.Sprintf("ev-%d", len(m.events)+1)
	ev.Version = version
	ev.CreatedAt = time.Now().UTC()
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockEvents) LoadByRun(_ context.Context, runID string) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockArchive struct {
	mu   sync.Mutex
	runs []*run.Run
}

func (m *mockArchive) Archive(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r.Clone())
	return nil
}

func (m *mockArchive) Recent(_ context.Context, limit int) ([]*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*run.Run
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i].Clone())
	}
	return out, nil
}

// --- Helpers ---

type testEnv struct {
	router    chi.Router
	engine    *service.Engine
	pipelines *mockPipelines
	gen       *mockGen
	records   *mockRecords
}

func newTestEnv() *testEnv {
	env := &testEnv{
		pipelines: &mockPipelines{defs: map[string]*pipeline.Pipeline{}},
		gen:       &mockGen{},
		records:   &mockRecords{},
	}
	env.engine = service.NewEngine(
		env.pipelines, &mockResolver{}, env.gen, env.records,
		&mockSink{}, &mockQueue{}, &mockHub{}, &mockEvents{}, &mockArchive{},
		&config.Engine{
			DefaultActionTimeout: 5 * time.Second,
			RetryBackoff:         time.Millisecond,
			HistorySize:          10,
			MaxParallel:          4,
		},
	)

	handlers := &troupehttp.Handlers{
		Engine:    env.engine,
		Pipelines: env.pipelines,
		Records:   env.records,
	}
	r := chi.NewRouter()
	troupehttp.MountRoutes(r, handlers)
	env.router = r
	return env
}

func (env *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func awaitIdle(t *testing.T, e *service.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.AwaitIdle(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writerPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:   "writer",
		Name: "Writer",
		Phases: []pipeline.Phase{{ID: "draft", Actions: []pipeline.Action{{
			ID:           "write",
			Type:         pipeline.ActionStandard,
			Participants: []pipeline.ParticipantRef{{Agent: "writer"}},
		}}}},
	}
}

func echoPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:   "echo",
		Name: "Echo",
		Phases: []pipeline.Phase{{ID: "main", Actions: []pipeline.Action{{
			ID:       "stamp",
			Type:     pipeline.ActionSystem,
			Template: "Echo: {{input}}",
		}}}},
	}
}

func gavelPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:   "gavel-check",
		Name: "Gavel checkpoint",
		Phases: []pipeline.Phase{{ID: "review", Actions: []pipeline.Action{{
			ID:    "checkpoint",
			Type:  pipeline.ActionUserGavel,
			Gavel: &pipeline.GavelSpec{Prompt: "Approve the draft?", Editable: true},
		}}}},
	}
}

// --- Version ---

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["version"] != "0.1.0" {
		t.Fatalf("expected version 0.1.0, got %q", result["version"])
	}
}

// --- Runs ---

func TestStartRunInline(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   echoPipeline(),
		"user_input": "hi",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var started run.Run
	if err := json.NewDecoder(w.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	if started.ID == "" {
		t.Fatal("expected run id in response")
	}
	if started.Status != run.StatusRunning {
		t.Fatalf("status = %q, want running", started.Status)
	}
	if started.PipelineID != "echo" {
		t.Fatalf("pipeline_id = %q, want echo", started.PipelineID)
	}
	awaitIdle(t, env.engine)
}

func TestStartRunByPipelineID(t *testing.T) {
	env := newTestEnv()
	env.pipelines.defs["echo"] = echoPipeline()

	w := env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline_id": "echo",
		"user_input":  "hi",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	awaitIdle(t, env.engine)
}

func TestStartRunUnknownPipeline(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline_id": "nonexistent",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStartRunMissingSelector(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/runs", map[string]any{
		"user_input": "hi",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartRunInvalidDefinition(t *testing.T) {
	env := newTestEnv()

	// A pipeline without phases fails structural validation.
	w := env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline": map[string]any{"id": "empty", "name": "Empty"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStartRunInvalidBody(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest("POST", "/api/v1/runs", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartRunConflictWhileActive(t *testing.T) {
	env := newTestEnv()
	env.gen.block = make(chan struct{})

	w := env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   writerPipeline(),
		"user_input": "hi",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   writerPipeline(),
		"user_input": "again",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	close(env.gen.block)
	awaitIdle(t, env.engine)
}

// --- Active run control ---

func TestGetActiveRunIdle(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/runs/active", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetActiveRun(t *testing.T) {
	env := newTestEnv()
	env.gen.block = make(chan struct{})

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   writerPipeline(),
		"user_input": "hi",
	})

	w := env.request(t, "GET", "/api/v1/runs/active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var state run.Run
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.Status != run.StatusRunning && state.Status != run.StatusPaused {
		t.Fatalf("status = %q, want an active status", state.Status)
	}
	if state.TotalActions != 1 {
		t.Fatalf("total_actions = %d, want 1", state.TotalActions)
	}

	close(env.gen.block)
	awaitIdle(t, env.engine)

	w = env.request(t, "GET", "/api/v1/runs/active", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after run finished, got %d", w.Code)
	}
}

func TestPauseAndResumeRun(t *testing.T) {
	env := newTestEnv()
	env.gen.block = make(chan struct{})

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   writerPipeline(),
		"user_input": "hi",
	})

	w := env.request(t, "POST", "/api/v1/runs/active/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Pausing twice conflicts.
	w = env.request(t, "POST", "/api/v1/runs/active/pause", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second pause: expected 409, got %d", w.Code)
	}

	w = env.request(t, "POST", "/api/v1/runs/active/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	close(env.gen.block)
	awaitIdle(t, env.engine)
}

func TestPauseRunIdle(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/runs/active/pause", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestResumeRunIdle(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/runs/active/resume", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAbortRun(t *testing.T) {
	env := newTestEnv()
	env.gen.block = make(chan struct{})

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   writerPipeline(),
		"user_input": "hi",
	})

	w := env.request(t, "POST", "/api/v1/runs/active/abort", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	awaitIdle(t, env.engine)

	w = env.request(t, "GET", "/api/v1/runs/history", nil)
	var history []run.Run
	if err := json.NewDecoder(w.Body).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Status != run.StatusAborted {
		t.Fatalf("status = %q, want aborted", history[0].Status)
	}
}

func TestAbortRunIdle(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/runs/active/abort", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Progress and output ---

func TestGetProgressIdle(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/runs/active/progress", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var p run.Progress
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != run.StatusIdle {
		t.Fatalf("status = %q, want idle", p.Status)
	}
}

func TestGetProgressAfterRun(t *testing.T) {
	env := newTestEnv()

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   echoPipeline(),
		"user_input": "hi",
	})
	awaitIdle(t, env.engine)

	w := env.request(t, "GET", "/api/v1/runs/active/progress", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var p run.Progress
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != run.StatusCompleted {
		t.Fatalf("status = %q, want completed", p.Status)
	}
	if p.Percent != 100 {
		t.Fatalf("percent = %d, want 100", p.Percent)
	}
}

func TestGetOutputBeforeAnyRun(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/runs/active/output", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetOutputAfterRun(t *testing.T) {
	env := newTestEnv()

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   echoPipeline(),
		"user_input": "hi",
	})
	awaitIdle(t, env.engine)

	w := env.request(t, "GET", "/api/v1/runs/active/output", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out map[string]string
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["output"] != "Echo: hi" {
		t.Fatalf("output = %q, want %q", out["output"], "Echo: hi")
	}
}

func TestGetHistoryEmpty(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/runs/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var history []run.Run
	if err := json.NewDecoder(w.Body).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

// --- Run events ---

func TestGetRunEvents(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   echoPipeline(),
		"user_input": "hi",
	})
	var started run.Run
	if err := json.NewDecoder(w.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	awaitIdle(t, env.engine)

	w = env.request(t, "GET", "/api/v1/runs/"+started.ID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var events []event.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("expected events for a completed run")
	}
	if events[0].Type != event.TypeRunStarted {
		t.Fatalf("first event = %q, want %q", events[0].Type, event.TypeRunStarted)
	}
	if events[len(events)-1].Type != event.TypeRunOutput {
		t.Fatalf("last event = %q, want %q", events[len(events)-1].Type, event.TypeRunOutput)
	}
}

func TestGetRunEventsUnknownRun(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/runs/nonexistent/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var events []event.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

// --- Gavel ---

func TestGavelApproveFlow(t *testing.T) {
	env := newTestEnv()

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   gavelPipeline(),
		"user_input": "draft text",
	})
	waitFor(t, "gavel request", func() bool { return env.engine.ActiveGavel() != nil })

	w := env.request(t, "GET", "/api/v1/gavel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var req gavel.Request
	if err := json.NewDecoder(w.Body).Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Candidate != "draft text" {
		t.Fatalf("candidate = %q, want %q", req.Candidate, "draft text")
	}

	// The resolution must name the active request.
	w = env.request(t, "POST", "/api/v1/gavel/wrong-id/approve", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for wrong id, got %d", w.Code)
	}

	w = env.request(t, "POST", "/api/v1/gavel/"+req.ID+"/approve", map[string]any{
		"modifications": "edited text",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	awaitIdle(t, env.engine)

	w = env.request(t, "GET", "/api/v1/runs/active/output", nil)
	var out map[string]string
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["output"] != "edited text" {
		t.Fatalf("output = %q, want %q", out["output"], "edited text")
	}
}

func TestGavelApproveEmptyBodyKeepsCandidate(t *testing.T) {
	env := newTestEnv()

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   gavelPipeline(),
		"user_input": "draft text",
	})
	waitFor(t, "gavel request", func() bool { return env.engine.ActiveGavel() != nil })
	id := env.engine.ActiveGavel().ID

	w := env.request(t, "POST", "/api/v1/gavel/"+id+"/approve", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	awaitIdle(t, env.engine)

	w = env.request(t, "GET", "/api/v1/runs/active/output", nil)
	var out map[string]string
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["output"] != "draft text" {
		t.Fatalf("output = %q, want %q", out["output"], "draft text")
	}
}

func TestGavelReject(t *testing.T) {
	env := newTestEnv()

	env.request(t, "POST", "/api/v1/runs", map[string]any{
		"pipeline":   gavelPipeline(),
		"user_input": "draft text",
	})
	waitFor(t, "gavel request", func() bool { return env.engine.ActiveGavel() != nil })
	id := env.engine.ActiveGavel().ID

	w := env.request(t, "POST", "/api/v1/gavel/"+id+"/reject", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	awaitIdle(t, env.engine)

	// Rejection keeps the candidate untouched and the run completes.
	w = env.request(t, "GET", "/api/v1/runs/history", nil)
	var history []run.Run
	if err := json.NewDecoder(w.Body).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != run.StatusCompleted {
		t.Fatalf("expected one completed run, got %+v", history)
	}
	if history[0].Output != "draft text" {
		t.Fatalf("output = %q, want %q", history[0].Output, "draft text")
	}
}

func TestGavelNoneActive(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/gavel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = env.request(t, "POST", "/api/v1/gavel/some-id/approve", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = env.request(t, "POST", "/api/v1/gavel/some-id/reject", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Pipelines ---

func TestPutAndGetPipeline(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "PUT", "/api/v1/pipelines/echo", echoPipeline())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.request(t, "GET", "/api/v1/pipelines/echo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var def pipeline.Pipeline
	if err := json.NewDecoder(w.Body).Decode(&def); err != nil {
		t.Fatal(err)
	}
	if def.Name != "Echo" {
		t.Fatalf("name = %q, want Echo", def.Name)
	}
}

func TestPutPipelineOverridesIDAndBuiltin(t *testing.T) {
	env := newTestEnv()

	def := echoPipeline()
	def.ID = "something-else"
	def.Builtin = true
	w := env.request(t, "PUT", "/api/v1/pipelines/echo", def)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stored pipeline.Pipeline
	if err := json.NewDecoder(w.Body).Decode(&stored); err != nil {
		t.Fatal(err)
	}
	if stored.ID != "echo" {
		t.Fatalf("id = %q, want echo (URL id wins)", stored.ID)
	}
	if stored.Builtin {
		t.Fatal("stored definition must not be builtin")
	}
}

func TestPutPipelineInvalidDefinition(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "PUT", "/api/v1/pipelines/empty", map[string]any{
		"name": "Empty",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetPipelineNotFound(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/pipelines/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListPipelines(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/pipelines", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var defs []pipeline.Pipeline
	if err := json.NewDecoder(w.Body).Decode(&defs); err != nil {
		t.Fatal(err)
	}
	if len(defs) != 0 {
		t.Fatalf("expected empty list, got %d", len(defs))
	}

	env.request(t, "PUT", "/api/v1/pipelines/echo", echoPipeline())

	w = env.request(t, "GET", "/api/v1/pipelines", nil)
	if err := json.NewDecoder(w.Body).Decode(&defs); err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].ID != "echo" {
		t.Fatalf("expected [echo], got %+v", defs)
	}
}

func TestDeletePipeline(t *testing.T) {
	env := newTestEnv()
	env.request(t, "PUT", "/api/v1/pipelines/echo", echoPipeline())

	w := env.request(t, "DELETE", "/api/v1/pipelines/echo", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = env.request(t, "GET", "/api/v1/pipelines/echo", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestDeletePipelineNotFound(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "DELETE", "/api/v1/pipelines/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteBuiltinPipelineRejected(t *testing.T) {
	env := newTestEnv()
	def := echoPipeline()
	def.Builtin = true
	env.pipelines.defs["echo"] = def

	w := env.request(t, "DELETE", "/api/v1/pipelines/echo", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// --- Records ---

func TestRecordCRUD(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/records/notes", map[string]any{
		"fields": map[string]any{"title": "First"},
		"text":   "hello world",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec datastore.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.StoreID != "notes" {
		t.Fatalf("unexpected record identity: %+v", rec)
	}

	w = env.request(t, "GET", "/api/v1/records/notes/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	w = env.request(t, "PUT", "/api/v1/records/notes/"+rec.ID, map[string]any{
		"fields": map[string]any{"title": "First, revised"},
		"text":   "hello again",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", w.Code)
	}
	var updated datastore.Record
	if err := json.NewDecoder(w.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if updated.Text != "hello again" {
		t.Fatalf("text = %q, want %q", updated.Text, "hello again")
	}

	w = env.request(t, "DELETE", "/api/v1/records/notes/"+rec.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}

	w = env.request(t, "GET", "/api/v1/records/notes/"+rec.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestListRecordsEmpty(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "GET", "/api/v1/records/notes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var recs []datastore.Record
	if err := json.NewDecoder(w.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty list, got %d", len(recs))
	}
}

func TestQueryRecords(t *testing.T) {
	env := newTestEnv()
	env.records.matches = map[string][]datastore.Match{
		"notes": {{
			Record: datastore.Record{ID: "rec-1", StoreID: "notes", Text: "hello world"},
			Score:  0.91,
		}},
	}

	w := env.request(t, "POST", "/api/v1/records/notes/query", map[string]any{
		"query": "hello",
		"top_k": 3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result datastore.QueryResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Count != 1 || len(result.Matches) != 1 {
		t.Fatalf("expected one match, got %+v", result)
	}
	if result.Matches[0].Record.ID != "rec-1" {
		t.Fatalf("match id = %q, want rec-1", result.Matches[0].Record.ID)
	}
}

func TestQueryRecordsMissingQuery(t *testing.T) {
	env := newTestEnv()

	w := env.request(t, "POST", "/api/v1/records/notes/query", map[string]any{
		"top_k": 3,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
