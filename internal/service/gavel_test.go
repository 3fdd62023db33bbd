package service

import (
	"errors"
	"testing"
	"time"

	"github.com/troupehq/troupe/internal/domain/gavel"
)

func testRequest(id string) *gavel.Request {
	return &gavel.Request{
		ID:        id,
		RunID:     "run-1",
		PhaseID:   "main",
		Candidate: "the candidate",
		CreatedAt: time.Now().UTC(),
	}
}

func TestGavelBroker_SingleSlot(t *testing.T) {
	t.Parallel()
	b := NewGavelBroker()

	if b.Active() != nil {
		t.Fatal("fresh broker reports an active request")
	}

	ch, err := b.Open(testRequest("g-1"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ch == nil {
		t.Fatal("open returned no resolution channel")
	}

	if _, err := b.Open(testRequest("g-2")); !errors.Is(err, gavel.ErrPending) {
		t.Fatalf("second open err = %v, want ErrPending", err)
	}

	active := b.Active()
	if active == nil || active.ID != "g-1" {
		t.Fatalf("active = %+v, want g-1", active)
	}

	// Active hands out a copy; mutating it must not touch the slot.
	active.Candidate = "tampered"
	if b.Active().Candidate != "the candidate" {
		t.Error("mutating the Active copy leaked into the broker")
	}
}

func TestGavelBroker_ResolveDeliversOnce(t *testing.T) {
	t.Parallel()
	b := NewGavelBroker()
	ch, err := b.Open(testRequest("g-1"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	req, err := b.Resolve("g-1", gavel.Resolution{Decision: gavel.DecisionApproved, Modification: "edited"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.ID != "g-1" {
		t.Errorf("resolved request = %q, want g-1", req.ID)
	}
	if b.Active() != nil {
		t.Error("slot still occupied after resolve")
	}

	// The resolution is buffered, so a late receiver still gets it.
	select {
	case res := <-ch:
		if res.Decision != gavel.DecisionApproved || res.Modification != "edited" {
			t.Errorf("resolution = %+v", res)
		}
	default:
		t.Fatal("no resolution buffered on the channel")
	}

	if _, err := b.Resolve("g-1", gavel.Resolution{Decision: gavel.DecisionRejected}); !errors.Is(err, gavel.ErrNoActive) {
		t.Fatalf("second resolve err = %v, want ErrNoActive", err)
	}
}

func TestGavelBroker_ResolveErrors(t *testing.T) {
	t.Parallel()
	b := NewGavelBroker()

	if _, err := b.Resolve("g-1", gavel.Resolution{Decision: gavel.DecisionApproved}); !errors.Is(err, gavel.ErrNoActive) {
		t.Fatalf("resolve on empty broker err = %v, want ErrNoActive", err)
	}

	if _, err := b.Open(testRequest("g-1")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.Resolve("other", gavel.Resolution{Decision: gavel.DecisionApproved}); !errors.Is(err, gavel.ErrIDMismatch) {
		t.Fatalf("resolve with wrong id err = %v, want ErrIDMismatch", err)
	}

	// The mismatch left the request outstanding.
	if active := b.Active(); active == nil || active.ID != "g-1" {
		t.Fatalf("active after mismatch = %+v, want g-1", active)
	}
}

func TestGavelBroker_Abandon(t *testing.T) {
	t.Parallel()
	b := NewGavelBroker()
	if _, err := b.Open(testRequest("g-1")); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Abandoning a different id is a no-op.
	b.Abandon("other")
	if b.Active() == nil {
		t.Fatal("abandon with wrong id cleared the slot")
	}

	b.Abandon("g-1")
	if b.Active() != nil {
		t.Fatal("slot still occupied after abandon")
	}
	if _, err := b.Resolve("g-1", gavel.Resolution{Decision: gavel.DecisionApproved}); !errors.Is(err, gavel.ErrNoActive) {
		t.Fatalf("resolve after abandon err = %v, want ErrNoActive", err)
	}

	// The slot is reusable.
	if _, err := b.Open(testRequest("g-2")); err != nil {
		t.Fatalf("open after abandon: %v", err)
	}
}

func TestResolutionAdopt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		res  gavel.Resolution
		want string
	}{
		{"approved with modification", gavel.Resolution{Decision: gavel.DecisionApproved, Modification: "edited"}, "edited"},
		{"approved unmodified", gavel.Resolution{Decision: gavel.DecisionApproved}, "candidate"},
		{"rejected keeps candidate", gavel.Resolution{Decision: gavel.DecisionRejected, Modification: "ignored"}, "candidate"},
		{"skipped keeps candidate", gavel.Resolution{Decision: gavel.DecisionSkipped}, "candidate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.Adopt("candidate"); got != tt.want {
				t.Errorf("adopt = %q, want %q", got, tt.want)
			}
		})
	}
}
