// Package dedup prevents re-analysis of domains seen recently. It keeps a
// FIFO window of recent domains plus the set currently in flight through
// the pipeline.
package dedup

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Window admits a domain at most once while it is in flight or inside the
// recent-domain window. The verdict cache provides the longer-term dedup
// horizon via its TTL; the window here is defense in depth against bursts
// that outrun the cache write.
type Window struct {
	logger   *slog.Logger
	capacity int

	mu       sync.Mutex
	order    *list.List               // FIFO of recent domains, oldest at front
	recent   map[string]*list.Element // domain → position in order
	inflight map[string]struct{}

	admitted atomic.Int64
	rejected atomic.Int64
	healed   atomic.Int64
}

// NewWindow creates a dedup window holding at most capacity recent domains.
func NewWindow(logger *slog.Logger, capacity int) *Window {
	return &Window{
		logger:   logger.With("component", "dedup"),
		capacity: capacity,
		order:    list.New(),
		recent:   make(map[string]*list.Element),
		inflight: make(map[string]struct{}),
	}
}

// Admit reports whether the domain may enter the pipeline and, when it may,
// marks it in flight. A domain already in flight or inside the recent
// window is dropped silently.
func (w *Window) Admit(domain string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, busy := w.inflight[domain]; busy {
		w.rejected.Add(1)
		return false
	}
	if _, seen := w.recent[domain]; seen {
		w.rejected.Add(1)
		return false
	}

	w.inflight[domain] = struct{}{}
	w.admitted.Add(1)
	return true
}

// Complete moves a domain from the in-flight set into the recent window.
// Call exactly once when its verdict commits or it is rejected downstream.
func (w *Window) Complete(domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, busy := w.inflight[domain]; !busy {
		// Completing a domain that was never admitted means some caller
		// bypassed Admit. Log with a snapshot and continue; the window
		// entry below still prevents immediate re-analysis.
		w.logger.Error("dedup invariant violation: complete without admit",
			"domain", domain,
			"inflight", len(w.inflight),
			"window", len(w.recent),
		)
		w.healed.Add(1)
	}
	delete(w.inflight, domain)

	if elem, seen := w.recent[domain]; seen {
		// In-flight and window must stay disjoint; a domain in both is an
		// inconsistency we self-heal by refreshing its window position.
		w.order.Remove(elem)
		delete(w.recent, domain)
		w.healed.Add(1)
	}

	w.recent[domain] = w.order.PushBack(domain)
	for w.order.Len() > w.capacity {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.recent, oldest.Value.(string))
	}
}

// Release removes a domain from the in-flight set without recording it in
// the window. Used when analysis is abandoned before any verdict, so a
// later tick can retry the domain.
func (w *Window) Release(domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, domain)
}

// InFlight reports whether the domain is currently being analyzed.
func (w *Window) InFlight(domain string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, busy := w.inflight[domain]
	return busy
}

// Len returns the number of domains in the recent window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// Stats returns lifetime admit/reject counters.
func (w *Window) Stats() (admitted, rejected int64) {
	return w.admitted.Load(), w.rejected.Load()
}
