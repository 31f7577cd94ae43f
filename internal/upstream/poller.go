package upstream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// Sink receives one new upstream event. It must not block; returning false
// means the pipeline is saturated and the event was shed.
type Sink func(model.UpstreamEvent) bool

// Poller drives the query-log fetch loop on a fixed ticker. Ticks that
// overrun skip the missed fires instead of stacking, and a monotonic
// high-water mark on answered_at keeps already-seen events from being
// enqueued twice.
type Poller struct {
	client   *Client
	interval time.Duration
	limit    int
	sink     Sink
	logger   *slog.Logger

	mu        sync.Mutex
	highWater time.Time

	enqueued atomic.Int64
	dropped  atomic.Int64
	skipped  atomic.Int64

	started atomic.Bool
	done    chan struct{}
}

// NewPoller creates a poller. Call Start to launch the loop.
func NewPoller(client *Client, interval time.Duration, limit int, sink Sink, logger *slog.Logger) *Poller {
	return &Poller{
		client:   client,
		interval: interval,
		limit:    limit,
		sink:     sink,
		logger:   logger.With("component", "poller"),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop. Idempotent; the second call logs a warning
// and returns.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("poller already started")
		return
	}
	go p.loop(ctx)
}

// Drain waits for the loop to exit after the Start context is cancelled, or
// gives up when drainCtx expires.
func (p *Poller) Drain(drainCtx context.Context) {
	if !p.started.Load() {
		return
	}
	select {
	case <-p.done:
	case <-drainCtx.Done():
		p.logger.Warn("poller drain timed out")
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", "interval", p.interval, "batch_limit", p.limit)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick fetches one batch and enqueues the events above the high-water mark.
// Any failure is logged and the tick abandoned; the next tick starts clean.
func (p *Poller) tick(ctx context.Context) {
	events, err := p.client.Fetch(ctx, p.limit)
	if err != nil {
		p.logger.Warn("query log fetch failed", "error", err)
		return
	}

	p.mu.Lock()
	mark := p.highWater
	p.mu.Unlock()

	newMark := mark
	var fresh, dropped int
	for _, ev := range events {
		if !ev.AnsweredAt.After(mark) {
			p.skipped.Add(1)
			continue
		}
		if ev.AnsweredAt.After(newMark) {
			newMark = ev.AnsweredAt
		}
		if model.IsHousekeepingDomain(ev.Domain) {
			continue
		}
		fresh++
		if p.sink(ev) {
			p.enqueued.Add(1)
		} else {
			// Saturated pipeline sheds the event. The mark still advances
			// so a shed event is never retried.
			dropped++
			p.dropped.Add(1)
		}
	}

	p.mu.Lock()
	if newMark.After(p.highWater) {
		p.highWater = newMark
	}
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Warn("pipeline saturated, events shed", "dropped", dropped, "batch", len(events))
	}
	p.logger.Debug("poll tick complete", "batch", len(events), "fresh", fresh)
}

// HighWater returns the current high-water mark.
func (p *Poller) HighWater() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highWater
}

// Stats returns enqueued, shed, and already-seen event counts.
func (p *Poller) Stats() (enqueued, dropped, skipped int64) {
	return p.enqueued.Load(), p.dropped.Load(), p.skipped.Load()
}
