package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/gavel"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
)

// GavelBroker holds the single human-checkpoint slot. Opening a request
// hands the waiting run goroutine a one-shot resolution channel; resolving
// is a non-blocking send, so a resolution that races a timeout or abort is
// simply discarded.
type GavelBroker struct {
	mu      sync.Mutex
	current *gavel.Request
	resolve chan gavel.Resolution
}

// NewGavelBroker creates an empty broker.
func NewGavelBroker() *GavelBroker {
	return &GavelBroker{}
}

// Open registers a new checkpoint and returns its resolution channel.
// Fails with gavel.ErrPending while another request is outstanding;
// sequential phase/action execution makes that a caller bug, not a race.
func (b *GavelBroker) Open(req *gavel.Request) (<-chan gavel.Resolution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		return nil, gavel.ErrPending
	}
	cp := *req
	b.current = &cp
	b.resolve = make(chan gavel.Resolution, 1)
	return b.resolve, nil
}

// Resolve settles the active request and returns it. The id must match the
// active request; an empty broker yields gavel.ErrNoActive.
func (b *GavelBroker) Resolve(id string, res gavel.Resolution) (*gavel.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil, gavel.ErrNoActive
	}
	if b.current.ID != id {
		return nil, gavel.ErrIDMismatch
	}
	req := b.current
	ch := b.resolve
	b.current = nil
	b.resolve = nil
	select {
	case ch <- res:
	default:
	}
	return req, nil
}

// Abandon clears the slot after the waiting side gave up (timeout or abort).
// A no-op when the slot holds a different request or none at all.
func (b *GavelBroker) Abandon(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && b.current.ID == id {
		b.current = nil
		b.resolve = nil
	}
}

// Active returns a copy of the outstanding request, or nil.
func (b *GavelBroker) Active() *gavel.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	cp := *b.current
	return &cp
}

// awaitGavel opens a checkpoint for the given candidate and suspends until
// it settles. A timeout with allowSkip adopts the candidate unchanged; a
// timeout without it is fatal for the owner. Abort wins over everything.
func (e *Engine) awaitGavel(ctx context.Context, r *run.Run, phaseID, actionID string, spec *pipeline.GavelSpec, candidate string) (string, error) {
	req := &gavel.Request{
		ID:        uuid.NewString(),
		RunID:     r.ID,
		PhaseID:   phaseID,
		ActionID:  actionID,
		Prompt:    spec.Prompt,
		Candidate: candidate,
		Editable:  spec.Editable,
		AllowSkip: spec.AllowSkip,
		TimeoutMS: spec.TimeoutMS,
		CreatedAt: time.Now().UTC(),
	}
	ch, err := e.broker.Open(req)
	if err != nil {
		return "", fmt.Errorf("open gavel: %w", err)
	}
	e.notifyGavelRequested(ctx, req)
	slog.Info("gavel requested",
		"gavel_id", req.ID,
		"run_id", r.ID,
		"phase_id", phaseID,
		"action_id", actionID,
		"timeout_ms", spec.TimeoutMS,
	)

	waitStart := time.Now()

	// Zero timeout waits forever.
	var expired <-chan time.Time
	if spec.TimeoutMS > 0 {
		timer := time.NewTimer(time.Duration(spec.TimeoutMS) * time.Millisecond)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		modified := res.Decision == gavel.DecisionApproved && res.Modification != ""
		e.telemetry.GavelWait(ctx, string(res.Decision), time.Since(waitStart))
		e.notifyGavelResolved(ctx, req, res.Decision, modified)
		return res.Adopt(candidate), nil
	case <-expired:
		e.broker.Abandon(req.ID)
		if spec.AllowSkip {
			e.telemetry.GavelWait(ctx, string(gavel.DecisionSkipped), time.Since(waitStart))
			e.notifyGavelResolved(ctx, req, gavel.DecisionSkipped, false)
			return candidate, nil
		}
		e.telemetry.GavelWait(ctx, string(gavel.DecisionTimedOut), time.Since(waitStart))
		e.notifyGavelResolved(ctx, req, gavel.DecisionTimedOut, false)
		return "", fmt.Errorf("gavel expired after %dms: %w", spec.TimeoutMS, gavel.ErrTimeoutNoSkip)
	case <-ctx.Done():
		e.broker.Abandon(req.ID)
		return "", domain.ErrAborted
	}
}
