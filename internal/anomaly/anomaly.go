// Package anomaly flags domains whose statistical features are outliers
// relative to recent traffic, using an incrementally refit isolation forest.
package anomaly

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/sabaki/internal/model"
)

const (
	// ringCapacity bounds the retained sample window.
	ringCapacity = 10000
	// minSamples gates the first fit; before that the tier is skipped.
	minSamples = 10
	// doublingCap ends the geometric refit phase. Beyond it, refits happen
	// every fixed interval instead of at every doubling.
	doublingCap   = 1000
	refitInterval = 1000

	defaultThreshold = -0.1
	thresholdFloor   = -0.3
	thresholdCeil    = 0.0

	// intakeCapacity bounds the sample queue into the updater goroutine.
	// Overflow drops the sample; the window only loses redundancy.
	intakeCapacity = 1024
)

// snapshot is the immutable state readers consume: the fitted model plus
// the threshold calibrated against it.
type snapshot struct {
	model     *forest
	threshold float64
	fitSize   int
}

// Engine is the anomaly tier. Samples flow through FitIncremental into a
// dedicated updater goroutine that owns the ring buffer and refits the
// model; Assess reads the latest fitted snapshot without ever blocking a
// fit in progress.
type Engine struct {
	logger *slog.Logger
	rng    *rand.Rand

	intake chan model.FeatureVector
	snap   atomic.Pointer[snapshot]

	// Updater-owned state. Guarded by mu only because Stats() peeks at it
	// from other goroutines.
	mu       sync.Mutex
	ring     [][]float64
	writeIdx int
	ingested int64
	nextFit  int64

	flagged atomic.Int64
	dropped atomic.Int64

	started atomic.Bool
	done    chan struct{}
}

// NewEngine creates an anomaly engine. Call Start to launch the updater.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:  logger.With("component", "anomaly"),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		intake:  make(chan model.FeatureVector, intakeCapacity),
		ring:    make([][]float64, 0, ringCapacity),
		nextFit: minSamples,
		done:    make(chan struct{}),
	}
}

// Start launches the updater goroutine. Idempotent; the second call logs a
// warning and returns.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		e.logger.Warn("anomaly engine already started")
		return
	}
	go e.updateLoop(ctx)
}

// Drain waits for the updater to exit after ctx passed to Start is
// cancelled, or gives up when drainCtx expires.
func (e *Engine) Drain(drainCtx context.Context) {
	if !e.started.Load() {
		return
	}
	select {
	case <-e.done:
	case <-drainCtx.Done():
		e.logger.Warn("anomaly engine drain timed out")
	}
}

// FitIncremental submits a sample for ingestion. Never blocks: when the
// updater is behind, the sample is dropped and counted.
func (e *Engine) FitIncremental(f model.FeatureVector) {
	select {
	case e.intake <- f:
	default:
		e.dropped.Add(1)
	}
}

func (e *Engine) updateLoop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.intake:
			e.ingest(f)
		}
	}
}

// ingest appends one sample to the ring and refits on schedule: first at
// minSamples, then at every doubling up to doublingCap, then every
// refitInterval samples.
func (e *Engine) ingest(f model.FeatureVector) {
	e.mu.Lock()
	vals := f.Values()
	if len(e.ring) < ringCapacity {
		e.ring = append(e.ring, vals)
	} else {
		e.ring[e.writeIdx] = vals
		e.writeIdx = (e.writeIdx + 1) % ringCapacity
	}
	e.ingested++

	refit := e.ingested >= e.nextFit
	if refit {
		if next := e.nextFit * 2; next <= doublingCap {
			e.nextFit = next
		} else {
			e.nextFit += refitInterval
		}
	}
	var samples [][]float64
	if refit {
		samples = make([][]float64, len(e.ring))
		copy(samples, e.ring)
	}
	e.mu.Unlock()

	if refit {
		e.refit(samples)
	}
}

// refit builds a new forest over the sample window, recalibrates the
// threshold to the 5th percentile of the window's own scores (clamped to
// [-0.3, 0.0]) and publishes both atomically.
func (e *Engine) refit(samples [][]float64) {
	fitted := fitForest(samples, e.rng)
	if fitted == nil {
		return
	}

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = fitted.score(s)
	}
	sort.Float64s(scores)

	threshold := defaultThreshold
	if len(scores) > 0 {
		p5 := scores[int(float64(len(scores))*0.05)]
		threshold = max(thresholdFloor, min(thresholdCeil, p5))
	}

	e.snap.Store(&snapshot{model: fitted, threshold: threshold, fitSize: len(samples)})
	e.logger.Debug("anomaly model refit",
		"samples", len(samples),
		"threshold", threshold,
	)
}

// Assess scores a sample against the most recent fit. Before the first fit
// it returns (0.0, false) and the tier is skipped.
func (e *Engine) Assess(f model.FeatureVector) (score float64, anomalous bool) {
	snap := e.snap.Load()
	if snap == nil {
		return 0.0, false
	}
	score = snap.model.score(f.Values())
	anomalous = score < snap.threshold
	if anomalous {
		e.flagged.Add(1)
	}
	return score, anomalous
}

// Fitted reports whether a model has been fit yet.
func (e *Engine) Fitted() bool { return e.snap.Load() != nil }

// Threshold returns the current anomaly threshold.
func (e *Engine) Threshold() float64 {
	if snap := e.snap.Load(); snap != nil {
		return snap.threshold
	}
	return defaultThreshold
}

// Stats reports the engine state for the system stats endpoint.
func (e *Engine) Stats() model.AnomalyStats {
	e.mu.Lock()
	samples := len(e.ring)
	e.mu.Unlock()

	stats := model.AnomalyStats{
		Samples:   samples,
		Threshold: defaultThreshold,
		Flagged:   e.flagged.Load(),
	}
	if snap := e.snap.Load(); snap != nil {
		stats.Fitted = true
		stats.LastFitSize = snap.fitSize
		stats.Threshold = snap.threshold
	}
	return stats
}
