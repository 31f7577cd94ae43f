package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/sabaki/internal/model"
)

// subscriberQueueSize bounds each SSE subscriber's pending events.
const subscriberQueueSize = 32

// Broker fans committed verdicts out to SSE subscribers. The pipeline calls
// Publish at commit time, so subscribers observe commit order even though
// workers finish out of receipt order. The subscriber set is copy-on-write:
// Publish reads an immutable snapshot and never takes the lock.
type Broker struct {
	logger *slog.Logger

	mu   sync.Mutex // guards Subscribe/Unsubscribe rebuilds
	subs atomic.Pointer[[]chan []byte]

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroker creates an SSE broker with no subscribers.
func NewBroker(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger.With("component", "broker")}
	empty := make([]chan []byte, 0)
	b.subs.Store(&empty)
	return b
}

// Publish sends one committed verdict to every subscriber. A subscriber
// whose queue is full loses its oldest pending event, never the new one.
func (b *Broker) Publish(v model.Verdict) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal verdict for SSE", "domain", v.Domain, "error", err)
		return
	}
	event := formatSSE("verdict", payload)
	b.published.Add(1)

	for _, ch := range *b.subs.Load() {
		select {
		case ch <- event:
			continue
		default:
		}
		// Queue full: evict the oldest event to make room.
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of SSE-formatted events. The caller must call
// Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberQueueSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	old := *b.subs.Load()
	next := make([]chan []byte, len(old)+1)
	copy(next, old)
	next[len(old)] = ch
	b.subs.Store(&next)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed; a
// concurrent Publish may still hold the previous snapshot.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := *b.subs.Load()
	next := make([]chan []byte, 0, len(old))
	for _, c := range old {
		if c != ch {
			next = append(next, c)
		}
	}
	b.subs.Store(&next)
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	return len(*b.subs.Load())
}

// Dropped returns how many events were shed to slow subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}
