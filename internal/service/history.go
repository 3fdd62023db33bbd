package service

import (
	"sync"

	"github.com/troupehq/troupe/internal/domain/run"
)

// History is the bounded in-memory archive of terminal runs, most recent
// first. Every run lands here regardless of outcome; the oldest entry falls
// off once the cap is reached.
type History struct {
	mu   sync.RWMutex
	max  int
	runs []*run.Run
}

// NewHistory creates a History keeping at most max runs.
func NewHistory(max int) *History {
	if max < 1 {
		max = 1
	}
	return &History{max: max}
}

// Add archives a terminal run at the front. The caller hands over ownership;
// archived runs are never mutated again.
func (h *History) Add(r *run.Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append([]*run.Run{r}, h.runs...)
	if len(h.runs) > h.max {
		h.runs = h.runs[:h.max]
	}
}

// List returns snapshots of the archived runs, most recent first.
func (h *History) List() []*run.Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*run.Run, len(h.runs))
	for i, r := range h.runs {
		out[i] = r.Clone()
	}
	return out
}

// Latest returns a snapshot of the most recently archived run, or nil.
func (h *History) Latest() *run.Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.runs) == 0 {
		return nil
	}
	return h.runs[0].Clone()
}

// Find returns a snapshot of the archived run with the given id, or nil.
func (h *History) Find(id string) *run.Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.runs {
		if r.ID == id {
			return r.Clone()
		}
	}
	return nil
}

// Len reports the number of archived runs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}

// Cap reports the maximum number of runs kept.
func (h *History) Cap() int {
	return h.max
}
