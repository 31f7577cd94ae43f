package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/sabaki/internal/model"
)

const (
	// manualBurst is how many manual tasks a worker takes in a row before
	// offering polled work a turn.
	manualBurst = 4

	polledQueueCapacity = 256
	manualQueueCapacity = 64
)

// task is one unit of analysis work.
type task struct {
	domain string
	meta   *model.UpstreamMeta
	note   string
	manual bool
	// admitted records whether this task holds a dedup in-flight slot.
	admitted bool
	// result receives the committed verdict for synchronous callers.
	result chan model.Verdict
}

// pool is the bounded worker pool. Manual tasks take priority over polled
// ones, throttled to a 4:1 burst ratio so polled work cannot starve.
type pool struct {
	manual  chan task
	polled  chan task
	handler func(context.Context, task)
	workers int
	logger  *slog.Logger

	wg      sync.WaitGroup
	started atomic.Bool
}

func newPool(workers int, handler func(context.Context, task), logger *slog.Logger) *pool {
	return &pool{
		manual:  make(chan task, manualQueueCapacity),
		polled:  make(chan task, polledQueueCapacity),
		handler: handler,
		workers: workers,
		logger:  logger.With("component", "pool"),
	}
}

func (p *pool) start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("worker pool already started")
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// drain waits for all workers to exit after the start context is cancelled.
func (p *pool) drain(drainCtx context.Context) {
	if !p.started.Load() {
		return
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		p.logger.Warn("worker pool drain timed out")
	}
}

// submitPolled offers one polled task. Never blocks; false means the queue
// is full and the caller should shed the event.
func (p *pool) submitPolled(t task) bool {
	select {
	case p.polled <- t:
		return true
	default:
		return false
	}
}

// submitManual queues one manual task, blocking until there is room or ctx
// expires.
func (p *pool) submitManual(ctx context.Context, t task) error {
	select {
	case p.manual <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: manual queue: %w", ctx.Err())
	}
}

func (p *pool) worker(ctx context.Context) {
	defer p.wg.Done()

	manualStreak := 0
	for {
		// After a manual burst, give polled work one non-blocking turn.
		if manualStreak >= manualBurst {
			manualStreak = 0
			select {
			case t := <-p.polled:
				p.handler(ctx, t)
				continue
			default:
			}
		}

		// Manual first when available.
		select {
		case t := <-p.manual:
			manualStreak++
			p.handler(ctx, t)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case t := <-p.manual:
			manualStreak++
			p.handler(ctx, t)
		case t := <-p.polled:
			manualStreak = 0
			p.handler(ctx, t)
		}
	}
}
