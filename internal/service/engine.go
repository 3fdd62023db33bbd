// Package service implements the run execution engine: the run/phase/action
// state machine, the orchestration strategies, the retry/timeout wrapper,
// the gavel checkpoint protocol, and progress/history tracking.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	otelad "github.com/troupehq/troupe/internal/adapter/otel"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/event"
	"github.com/troupehq/troupe/internal/domain/gavel"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/port/broadcast"
	"github.com/troupehq/troupe/internal/port/datastore"
	"github.com/troupehq/troupe/internal/port/eventstore"
	"github.com/troupehq/troupe/internal/port/generation"
	"github.com/troupehq/troupe/internal/port/messagequeue"
	"github.com/troupehq/troupe/internal/port/pipelines"
	"github.com/troupehq/troupe/internal/port/registry"
	"github.com/troupehq/troupe/internal/port/runstore"
	"github.com/troupehq/troupe/internal/port/sink"
)

// Engine drives pipeline runs. One run is active at a time, executed on a
// dedicated goroutine that is the sole writer of the run's state tree; the
// control surface reads snapshots under a read lock and steers the run
// through the pause gate, the abort context and the gavel broker.
type Engine struct {
	pipelines pipelines.Store
	registry  registry.Resolver
	gen       generation.Client
	records   datastore.Store
	sink      sink.Sink
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	events    eventstore.Store
	archive   runstore.Store

	broker    *GavelBroker
	history   *History
	telemetry *otelad.Metrics

	actionTimeout time.Duration
	retryBackoff  time.Duration
	maxParallel   int64
	defaultMode   run.Mode

	mu     sync.RWMutex
	active *run.Run
	def    *pipeline.Pipeline
	resume chan struct{}      // non-nil while paused; closed on resume
	cancel context.CancelFunc // abort signal for the run goroutine
	done   chan struct{}      // closed when the run goroutine exits
}

// NewEngine creates an Engine with all collaborators. Zero config values
// fall back to the documented defaults.
func NewEngine(
	pipelineStore pipelines.Store,
	resolver registry.Resolver,
	gen generation.Client,
	records datastore.Store,
	outSink sink.Sink,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	events eventstore.Store,
	archive runstore.Store,
	engCfg *config.Engine,
) *Engine {
	e := &Engine{
		pipelines:     pipelineStore,
		registry:      resolver,
		gen:           gen,
		records:       records,
		sink:          outSink,
		queue:         queue,
		hub:           hub,
		events:        events,
		archive:       archive,
		broker:        NewGavelBroker(),
		actionTimeout: 60 * time.Second,
		retryBackoff:  time.Second,
		maxParallel:   4,
		defaultMode:   run.ModeSynthesis,
	}
	historySize := 10
	if engCfg != nil {
		if engCfg.DefaultActionTimeout > 0 {
			e.actionTimeout = engCfg.DefaultActionTimeout
		}
		if engCfg.RetryBackoff > 0 {
			e.retryBackoff = engCfg.RetryBackoff
		}
		if engCfg.MaxParallel > 0 {
			e.maxParallel = engCfg.MaxParallel
		}
		if engCfg.HistorySize > 0 {
			historySize = engCfg.HistorySize
		}
		if m := run.Mode(engCfg.DefaultMode); m.Valid() {
			e.defaultMode = m
		}
	}
	e.history = NewHistory(historySize)
	return e
}

// SetTelemetry attaches the engine's metric instruments. Without them the
// engine records nothing; spans still flow through the global tracer.
func (e *Engine) SetTelemetry(m *otelad.Metrics) {
	e.telemetry = m
}

// StartOptions configures a run launch. Exactly one of PipelineID and
// Pipeline selects the definition; an inline definition is validated here.
type StartOptions struct {
	PipelineID string
	Pipeline   *pipeline.Pipeline
	Mode       run.Mode
	UserInput  string
	Context    map[string]any
}

// StartRun launches a run for the given pipeline on a dedicated goroutine
// and returns an immediate snapshot. Fails with domain.ErrConflict while a
// run is running or paused.
func (e *Engine) StartRun(ctx context.Context, opts StartOptions) (*run.Run, error) {
	def, err := e.resolveDefinition(ctx, opts)
	if err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = e.defaultMode
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("mode %q: %w", mode, domain.ErrValidation)
	}

	e.mu.Lock()
	if e.active != nil {
		status := e.active.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("a run is already %s: %w", status, domain.ErrConflict)
	}

	r := run.New(uuid.NewString(), def, mode, opts.UserInput, opts.Context)

	// The run goroutine outlives the start request; only AbortRun may
	// cancel it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.active = r
	e.def = def
	e.cancel = cancel
	e.resume = nil
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	e.emitLifecycle(runCtx, lifecycleInfo{runID: r.ID, pipelineID: def.ID, status: run.StatusRunning}, event.TypeRunStarted, "")
	e.telemetry.RunStarted(runCtx, string(mode))
	slog.Info("run started", "run_id", r.ID, "pipeline_id", def.ID, "mode", mode)

	go func() {
		defer close(done)
		e.execute(runCtx, def)
	}()

	return r.Clone(), nil
}

// resolveDefinition picks the pipeline for a start request: an inline
// definition is validated, a pipeline id is resolved through the store.
func (e *Engine) resolveDefinition(ctx context.Context, opts StartOptions) (*pipeline.Pipeline, error) {
	if opts.Pipeline != nil {
		if err := opts.Pipeline.Validate(); err != nil {
			return nil, fmt.Errorf("validate pipeline: %v: %w", err, domain.ErrValidation)
		}
		return opts.Pipeline, nil
	}
	if opts.PipelineID == "" {
		return nil, fmt.Errorf("pipeline id is required: %w", domain.ErrValidation)
	}
	def, err := e.pipelines.Get(ctx, opts.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", opts.PipelineID, err)
	}
	return def, nil
}

// PauseRun requests a cooperative pause, honored at the next phase or action
// boundary. Only valid while running.
func (e *Engine) PauseRun(ctx context.Context) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return fmt.Errorf("no active run: %w", domain.ErrNotFound)
	}
	if e.active.Status != run.StatusRunning {
		status := e.active.Status
		e.mu.Unlock()
		return fmt.Errorf("run is %s: %w", status, domain.ErrConflict)
	}
	e.active.Status = run.StatusPaused
	e.resume = make(chan struct{})
	info := e.lifecycleLocked()
	e.mu.Unlock()

	e.emitLifecycle(ctx, info, event.TypeRunPaused, "")
	slog.Info("run paused", "run_id", info.runID)
	return nil
}

// ResumeRun reopens the pause gate. Only valid while paused.
func (e *Engine) ResumeRun(ctx context.Context) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return fmt.Errorf("no active run: %w", domain.ErrNotFound)
	}
	if e.active.Status != run.StatusPaused {
		status := e.active.Status
		e.mu.Unlock()
		return fmt.Errorf("run is %s: %w", status, domain.ErrConflict)
	}
	e.active.Status = run.StatusRunning
	close(e.resume)
	e.resume = nil
	info := e.lifecycleLocked()
	e.mu.Unlock()

	e.emitLifecycle(ctx, info, event.TypeRunResumed, "")
	slog.Info("run resumed", "run_id", info.runID)
	return nil
}

// AbortRun signals cancellation to the run goroutine. The signal is observed
// at every suspension point; the terminal transition happens on the run
// goroutine shortly after.
func (e *Engine) AbortRun(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return fmt.Errorf("no active run: %w", domain.ErrNotFound)
	}
	e.cancel()
	slog.Info("run abort requested", "run_id", e.active.ID)
	return nil
}

// GetRunState returns a snapshot of the active run, or nil when idle.
func (e *Engine) GetRunState() *run.Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active.Clone()
}

// GetProgress reports the active run's progress. When idle it falls back to
// the most recently archived run; with no history it reports idle at zero.
func (e *Engine) GetProgress() run.Progress {
	e.mu.RLock()
	active := e.active
	var p run.Progress
	if active != nil {
		p = active.Progress()
	}
	e.mu.RUnlock()
	if active != nil {
		return p
	}
	if last := e.history.Latest(); last != nil {
		return last.Progress()
	}
	return run.Progress{Status: run.StatusIdle}
}

// GetOutput returns the final output of the most recently completed run.
// While a run is active its (still empty) output is reported as-is.
func (e *Engine) GetOutput() (string, error) {
	e.mu.RLock()
	active := e.active
	var out string
	if active != nil {
		out = active.Output
	}
	e.mu.RUnlock()
	if active != nil {
		return out, nil
	}
	if last := e.history.Latest(); last != nil {
		return last.Output, nil
	}
	return "", fmt.Errorf("no run output: %w", domain.ErrNotFound)
}

// GetHistory returns the archived runs, most recent first.
func (e *Engine) GetHistory() []*run.Run {
	return e.history.List()
}

// LoadHistory warms the in-memory history from the durable archive, oldest
// first so the most recent archived run is reported as latest. Call once at
// startup, before the control surface is reachable.
func (e *Engine) LoadHistory(ctx context.Context) error {
	if e.archive == nil {
		return nil
	}
	recent, err := e.archive.Recent(ctx, e.history.Cap())
	if err != nil {
		return fmt.Errorf("load run history: %w", err)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		e.history.Add(recent[i])
	}
	return nil
}

// GetRunEvents returns the persisted event trajectory for a run.
func (e *Engine) GetRunEvents(ctx context.Context, runID string) ([]event.Event, error) {
	if e.events == nil {
		return nil, nil
	}
	return e.events.LoadByRun(ctx, runID)
}

// ActiveGavel returns the outstanding checkpoint request, or nil.
func (e *Engine) ActiveGavel() *gavel.Request {
	return e.broker.Active()
}

// ApproveGavel settles the active checkpoint as approved, optionally
// replacing the candidate with a modification.
func (e *Engine) ApproveGavel(ctx context.Context, id, modification string) error {
	req, err := e.broker.Resolve(id, gavel.Resolution{
		Decision:     gavel.DecisionApproved,
		Modification: modification,
		ResolvedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("approve gavel: %w", err)
	}
	slog.Info("gavel approved", "gavel_id", req.ID, "run_id", req.RunID, "modified", modification != "")
	return nil
}

// RejectGavel settles the active checkpoint as rejected; the candidate is
// kept byte-for-byte and the run continues.
func (e *Engine) RejectGavel(ctx context.Context, id string) error {
	req, err := e.broker.Resolve(id, gavel.Resolution{
		Decision:   gavel.DecisionRejected,
		ResolvedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("reject gavel: %w", err)
	}
	slog.Info("gavel rejected", "gavel_id", req.ID, "run_id", req.RunID)
	return nil
}

// AwaitIdle blocks until no run goroutine is active or the context ends.
// Used for graceful shutdown after an abort.
func (e *Engine) AwaitIdle(ctx context.Context) error {
	for {
		e.mu.RLock()
		done := e.done
		e.mu.RUnlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartSubscribers subscribes to inbound NATS subjects: remote gavel
// decisions. Returns cancel functions for each subscription.
func (e *Engine) StartSubscribers(ctx context.Context) ([]func(), error) {
	var cancels []func()

	cancel, err := e.queue.Subscribe(ctx, messagequeue.SubjectGavelDecision, func(msgCtx context.Context, _ string, data []byte) error {
		var dec messagequeue.GavelDecisionPayload
		if err := json.Unmarshal(data, &dec); err != nil {
			return fmt.Errorf("unmarshal gavel decision: %w", err)
		}
		switch dec.Decision {
		case "approve":
			return e.ApproveGavel(msgCtx, dec.GavelID, dec.Modification)
		case "reject":
			return e.RejectGavel(msgCtx, dec.GavelID)
		default:
			return fmt.Errorf("gavel decision %q: %w", dec.Decision, domain.ErrValidation)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe gavel decision: %w", err)
	}
	cancels = append(cancels, cancel)

	return cancels, nil
}

// mutate runs fn on the live run under the write lock. All state mutation by
// the run goroutine goes through here so snapshot readers never observe a
// half-applied change.
func (e *Engine) mutate(fn func(r *run.Run)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.active)
}

// checkpoint is the boundary gate: it surfaces an abort immediately and
// blocks while the pause gate is closed. Called before each phase and each
// action.
func (e *Engine) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return domain.ErrAborted
	}
	e.mu.RLock()
	gate := e.resume
	e.mu.RUnlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return domain.ErrAborted
	}
}
