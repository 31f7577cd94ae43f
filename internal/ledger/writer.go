package ledger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// queueCapacity bounds the commit-path queue. Overflow drops the row.
	queueCapacity = 256
	// maxBatch flushes early once this many rows are pending.
	maxBatch      = 64
	flushInterval = time.Second

	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// target is a storage destination for ledger rows. The mirror and the
// remote sink both satisfy it.
type target interface {
	InsertBatch(ctx context.Context, rows []Row) error
}

// writer decouples the commit path from storage: rows enter a bounded
// queue and a single goroutine batches them into every target, retrying
// transient failures with backoff.
type writer struct {
	queue   chan Row
	targets []namedTarget
	logger  *slog.Logger

	dropped atomic.Int64
	written atomic.Int64

	started atomic.Bool
	done    chan struct{}
}

type namedTarget struct {
	name string
	t    target
}

func newWriter(logger *slog.Logger, targets ...namedTarget) *writer {
	return &writer{
		queue:   make(chan Row, queueCapacity),
		targets: targets,
		logger:  logger.With("component", "ledger-writer"),
		done:    make(chan struct{}),
	}
}

// enqueue submits one row. Never blocks: a full queue drops the row and
// counts it.
func (w *writer) enqueue(r Row) {
	select {
	case w.queue <- r:
	default:
		w.dropped.Add(1)
		w.logger.Warn("ledger queue full, row dropped", "domain", r.Domain)
	}
}

func (w *writer) start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("ledger writer already started")
		return
	}
	go w.loop(ctx)
}

// drain waits for the loop to finish its final flush after the start
// context is cancelled.
func (w *writer) drain(drainCtx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case <-w.done:
	case <-drainCtx.Done():
		w.logger.Warn("ledger writer drain timed out")
	}
}

func (w *writer) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Row, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is still queued, then flush once more. The
			// final flush gets its own deadline since ctx is already gone.
			for {
				select {
				case r := <-w.queue:
					batch = append(batch, r)
					continue
				default:
				}
				break
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(flushCtx, batch)
			cancel()
			return
		case r := <-w.queue:
			batch = append(batch, r)
			if len(batch) >= maxBatch {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			w.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// flush writes one batch to every target, retrying each independently.
// A target that exhausts its retries loses the batch; the rows are counted
// dropped but other targets are unaffected.
func (w *writer) flush(ctx context.Context, batch []Row) {
	if len(batch) == 0 {
		return
	}
	for _, nt := range w.targets {
		if err := w.flushTarget(ctx, nt, batch); err != nil {
			w.dropped.Add(int64(len(batch)))
			w.logger.Error("ledger batch lost",
				"target", nt.name,
				"rows", len(batch),
				"error", err,
			)
			continue
		}
		w.written.Add(int64(len(batch)))
	}
}

func (w *writer) flushTarget(ctx context.Context, nt namedTarget, batch []Row) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBase << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = nt.t.InsertBatch(ctx, batch); err == nil {
			return nil
		}
		w.logger.Warn("ledger flush attempt failed",
			"target", nt.name,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return err
}
