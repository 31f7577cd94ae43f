package pipeline

import (
	"sync"

	"github.com/ashita-ai/sabaki/internal/model"
)

// Ring holds the most recent committed verdicts in commit order. Fixed
// capacity; the oldest entry is overwritten once full.
type Ring struct {
	mu      sync.RWMutex
	entries []model.Verdict
	next    int
	size    int
}

// NewRing creates a ring holding at most capacity verdicts.
func NewRing(capacity int) *Ring {
	return &Ring{entries: make([]model.Verdict, capacity)}
}

// Append records one verdict, evicting the oldest when full.
func (r *Ring) Append(v model.Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = v
	r.next = (r.next + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// Recent returns up to limit verdicts, newest first. limit <= 0 or above
// the stored count returns everything held.
func (r *Ring) Recent(limit int) []model.Verdict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Verdict, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		out[i] = r.entries[idx]
	}
	return out
}

// Len returns the number of verdicts currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
