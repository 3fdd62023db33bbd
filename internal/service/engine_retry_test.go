package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/domain/run"
	"github.com/troupehq/troupe/internal/port/generation"
	"github.com/troupehq/troupe/internal/port/messagequeue"
	"github.com/troupehq/troupe/internal/service"
)

func retryPipeline(retryCount int, timeoutMS int64) *pipeline.Pipeline {
	return onePhasePipeline(pipeline.Action{
		ID:           "flaky",
		Type:         pipeline.ActionStandard,
		Participants: []pipeline.ParticipantRef{{Agent: "p"}},
		Execution:    pipeline.ExecPolicy{RetryCount: retryCount, TimeoutMS: timeoutMS},
	})
}

func TestRetry_SucceedsWithinBudget(t *testing.T) {
	env := newTestEnv(nil)
	env.gen.respond = func(call int, _ generation.Request) (string, error) {
		if call < 2 {
			return "", fmt.Errorf("transient failure %d", call)
		}
		return "finally", nil
	}

	if _, err := env.engine.StartRun(context.Background(), service.StartOptions{
		Pipeline:  retryPipeline(2, 0),
		UserInput: "go",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitIdle(t, env.engine)

	if got := env.gen.callCount(); got != 3 {
		t.Errorf("generation calls = %d, want 3", got)
	}
	archived := latestRun(t, env)
	if archived.Status != run.StatusCompleted {
		t.Fatalf("status = %q, want completed (errors: %v)", archived.Status, archived.Errors)
	}
	if archived.Output != "finally" {
		t.Errorf("output = %q, want %q", archived.Output, "finally")
	}
	as := archived.Phases[0].Actions[0]
	if as.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", as.Attempts)
	}
	if as.Stage != run.ActionComplete {
		t.Errorf("action stage = %q, want complete", as.Stage)
	}

	// Two failed attempts announce two retries.
	var retries int
	env.queue.mu.Lock()
	for _, msg := range env.queue.messages {
		if msg.Subject == messagequeue.SubjectRunRetry {
			retries++
		}
	}
	env.queue.mu.Unlock()
	if retries != 2 {
		t.Errorf("retry notifications = %d, want 2", retries)
	}
}

func TestRetry_BudgetExhausted(t *testing.T) {
	env := newTestEnv(nil)
	env.gen.respond = func(_ int, _ generation.Request) (string, error) {
		return "", errors.New("boom")
	}

	if _, err := env.engine.StartRun(context.Background(), service.StartOptions{
		Pipeline:  retryPipeline(1, 0),
		UserInput: "go",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitIdle(t, env.engine)

	if got := env.gen.callCount(); got != 2 {
		t.Errorf("generation calls = %d, want 2 (retryCount 1)", got)
	}
	archived := latestRun(t, env)
	if archived.Status != run.StatusError {
		t.Fatalf("status = %q, want error", archived.Status)
	}
	if len(archived.Errors) != 1 {
		t.Fatalf("recorded errors = %d, want 1", len(archived.Errors))
	}
	rec := archived.Errors[0]
	if rec.Phase != "main" || rec.Action != "flaky" {
		t.Errorf("error location = %s/%s, want main/flaky", rec.Phase, rec.Action)
	}
	if !strings.Contains(rec.Message, "boom") {
		t.Errorf("error message = %q, want it to mention boom", rec.Message)
	}
	as := archived.Phases[0].Actions[0]
	if as.Stage != run.ActionFailed {
		t.Errorf("action stage = %q, want failed", as.Stage)
	}
	if archived.Phases[0].Error == "" {
		t.Error("phase error not recorded")
	}
	if archived.EndedAt == nil {
		t.Error("failed run has no end timestamp")
	}
}

func TestRetry_TimeoutCountsAsAttempt(t *testing.T) {
	env := newTestEnv(nil)
	env.gen.block = make(chan struct{}) // every attempt hangs until cancelled

	if _, err := env.engine.StartRun(context.Background(), service.StartOptions{
		Pipeline:  retryPipeline(2, 20),
		UserInput: "go",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitIdle(t, env.engine)

	archived := latestRun(t, env)
	if archived.Status != run.StatusError {
		t.Fatalf("status = %q, want error", archived.Status)
	}
	as := archived.Phases[0].Actions[0]
	if as.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", as.Attempts)
	}
	if !strings.Contains(as.Error, "timed out") {
		t.Errorf("action error = %q, want a timeout message", as.Error)
	}
	if got := env.gen.callCount(); got != 3 {
		t.Errorf("generation calls = %d, want 3", got)
	}
}

func TestRetry_ValidationIsFatal(t *testing.T) {
	env := newTestEnv(nil)
	env.gen.respond = func(_ int, _ generation.Request) (string, error) {
		return "", fmt.Errorf("malformed prompt: %w", domain.ErrValidation)
	}

	if _, err := env.engine.StartRun(context.Background(), service.StartOptions{
		Pipeline:  retryPipeline(3, 0),
		UserInput: "go",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitIdle(t, env.engine)

	if got := env.gen.callCount(); got != 1 {
		t.Errorf("generation calls = %d, want 1 (validation is not retried)", got)
	}
	if got := latestRun(t, env).Status; got != run.StatusError {
		t.Fatalf("status = %q, want error", got)
	}
}

func TestRetry_UnavailableIsFatal(t *testing.T) {
	env := newTestEnv(nil)
	env.resolver.err = fmt.Errorf("registry down: %w", domain.ErrUnavailable)

	if _, err := env.engine.StartRun(context.Background(), service.StartOptions{
		Pipeline:  retryPipeline(3, 0),
		UserInput: "go",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitIdle(t, env.engine)

	if got := env.gen.callCount(); got != 0 {
		t.Errorf("generation calls = %d, want 0", got)
	}
	archived := latestRun(t, env)
	if archived.Status != run.StatusError {
		t.Fatalf("status = %q, want error", archived.Status)
	}
	if as := archived.Phases[0].Actions[0]; as.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (unreachable collaborators are not retried)", as.Attempts)
	}
}

func TestRetry_AbortDuringBackoff(t *testing.T) {
	env := newTestEnv(&config.Engine{
		DefaultActionTimeout: 5 * time.Second,
		RetryBackoff:         time.Minute, // park the loop in backoff
		HistorySize:          10,
		MaxParallel:          4,
	})
	env.gen.respond = func(_ int, _ generation.Request) (string, error) {
		return "", errors.New("boom")
	}

	if _, err := env.engine.StartRun(context.Background(), service.StartOptions{
		Pipeline:  retryPipeline(5, 0),
		UserInput: "go",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "retry notification", func() bool {
		_, ok := env.queue.lastMessage(messagequeue.SubjectRunRetry)
		return ok
	})

	if err := env.engine.AbortRun(context.Background()); err != nil {
		t.Fatalf("abort: %v", err)
	}
	awaitIdle(t, env.engine)

	if got := env.gen.callCount(); got != 1 {
		t.Errorf("generation calls = %d, want 1 (abort lands mid-backoff)", got)
	}
	archived := latestRun(t, env)
	if archived.Status != run.StatusAborted {
		t.Fatalf("status = %q, want aborted", archived.Status)
	}
	if len(archived.Errors) != 0 {
		t.Errorf("aborted run recorded errors = %v, want none", archived.Errors)
	}
}
