// Package pipeline coordinates the analysis tiers: it owns the worker
// pool, runs each domain through cache, metadata, heuristic, anomaly, and
// reasoning in order, and commits exactly one verdict per admitted domain.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sabaki/internal/anomaly"
	"github.com/ashita-ai/sabaki/internal/cache"
	"github.com/ashita-ai/sabaki/internal/dedup"
	"github.com/ashita-ai/sabaki/internal/heuristics"
	"github.com/ashita-ai/sabaki/internal/ledger"
	"github.com/ashita-ai/sabaki/internal/model"
	"github.com/ashita-ai/sabaki/internal/reasoning"
	"github.com/ashita-ai/sabaki/internal/signature"
	"github.com/ashita-ai/sabaki/internal/telemetry"
)

const (
	// bufferCapacity bounds the committed-verdict ring served by /history.
	bufferCapacity = 200

	defaultLocalBudget = 5 * time.Second
	defaultTotalBudget = 10 * time.Second

	// inflightPollInterval paces cache checks while another worker is
	// already analyzing the same domain.
	inflightPollInterval = 25 * time.Millisecond
)

// Deps are the tiers and sinks the orchestrator coordinates. Reasoning,
// Ledger, and Publish may be nil; the pipeline degrades without them.
type Deps struct {
	Dedup      *dedup.Window
	Cache      *cache.Cache
	Classifier *signature.Classifier
	Store      *signature.Store
	Learner    *signature.Learner
	Heuristics *heuristics.Engine
	Anomaly    *anomaly.Engine
	Reasoning  *reasoning.Client
	Ledger     *ledger.Ledger
	// Publish pushes each committed verdict to subscribers. Must not block.
	Publish func(model.Verdict)
}

// Config tunes the orchestrator.
type Config struct {
	Workers int
	// LocalBudget bounds the local tiers per domain; TotalBudget extends
	// the deadline for a reasoning call.
	LocalBudget time.Duration
	TotalBudget time.Duration
}

// Pipeline is the orchestrator.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	pool       *pool
	buffer     *Ring
	manualRing *Ring
}

// New creates a pipeline. Call Start to launch the workers.
func New(deps Deps, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.LocalBudget <= 0 {
		cfg.LocalBudget = defaultLocalBudget
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = defaultTotalBudget
	}
	p := &Pipeline{
		deps:       deps,
		cfg:        cfg,
		logger:     logger.With("component", "pipeline"),
		buffer:     NewRing(bufferCapacity),
		manualRing: NewRing(bufferCapacity),
	}
	p.pool = newPool(cfg.Workers, p.handle, logger)
	return p
}

// Start launches the worker pool and registers pipeline metrics.
func (p *Pipeline) Start(ctx context.Context) {
	p.registerMetrics()
	p.pool.start(ctx)
}

// Drain waits for in-flight work to finish after the Start context is
// cancelled.
func (p *Pipeline) Drain(drainCtx context.Context) {
	p.pool.drain(drainCtx)
}

// Enqueue is the poller's sink. It admits the event through dedup and the
// cache and offers it to the polled queue. False means the pipeline is
// saturated and the event was shed.
func (p *Pipeline) Enqueue(ev model.UpstreamEvent) bool {
	if _, ok := p.deps.Cache.Lookup(ev.Domain); ok {
		// Live verdict already; nothing to analyze.
		return true
	}
	if !p.deps.Dedup.Admit(ev.Domain) {
		return true
	}
	if !p.pool.submitPolled(task{domain: ev.Domain, meta: ev.Meta(), admitted: true}) {
		p.deps.Dedup.Release(ev.Domain)
		return false
	}
	return true
}

// Analyze runs one manual request synchronously. Validation failures
// return model.ErrInvalidDomain; any other failure yields a Fallback
// verdict rather than an error.
func (p *Pipeline) Analyze(ctx context.Context, rawDomain, note string) (model.Verdict, error) {
	domain, err := model.NormalizeDomain(rawDomain)
	if err != nil {
		return model.Verdict{}, err
	}

	if v, ok := p.deps.Cache.Lookup(domain); ok {
		// Re-serve keeps the stored verdict but reports where it came from.
		v.Source = model.SourceCache
		v.Manual = true
		p.manualRing.Append(v)
		return v, nil
	}

	t := task{
		domain: domain,
		note:   note,
		manual: true,
		result: make(chan model.Verdict, 1),
	}
	t.admitted = p.deps.Dedup.Admit(domain)
	if !t.admitted && p.deps.Dedup.InFlight(domain) {
		// A worker is already analyzing this domain. Wait for its commit to
		// land rather than running a second analysis concurrently.
		if v, ok := p.awaitInFlight(ctx, domain); ok {
			v.Source = model.SourceCache
			v.Manual = true
			p.manualRing.Append(v)
			return v, nil
		}
	}
	if err := p.pool.submitManual(ctx, t); err != nil {
		if t.admitted {
			p.deps.Dedup.Release(domain)
		}
		return p.syntheticFallback(domain, "analysis queue unavailable"), nil
	}

	select {
	case v := <-t.result:
		return v, nil
	case <-ctx.Done():
		// The worker still commits; the caller just stopped waiting.
		return p.syntheticFallback(domain, "request cancelled before verdict"), nil
	}
}

// awaitInFlight waits for an in-progress analysis of domain to commit,
// bounded by the local budget. Returns the cached verdict when it lands;
// false means the caller should run its own analysis.
func (p *Pipeline) awaitInFlight(ctx context.Context, domain string) (model.Verdict, bool) {
	deadline := time.NewTimer(p.cfg.LocalBudget)
	defer deadline.Stop()
	tick := time.NewTicker(inflightPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return model.Verdict{}, false
		case <-deadline.C:
			return model.Verdict{}, false
		case <-tick.C:
			if v, ok := p.deps.Cache.Lookup(domain); ok {
				return v, true
			}
			if !p.deps.Dedup.InFlight(domain) {
				// The other analysis finished or was shed; one last check.
				v, ok := p.deps.Cache.Lookup(domain)
				return v, ok
			}
		}
	}
}

// History returns the newest committed verdicts. A cold buffer (fresh
// restart) falls back to the ledger mirror.
func (p *Pipeline) History(ctx context.Context, limit int) ([]model.Verdict, error) {
	if p.buffer.Len() > 0 || p.deps.Ledger == nil {
		return p.buffer.Recent(limit), nil
	}
	verdicts, err := p.deps.Ledger.History(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("pipeline: history fallback: %w", err)
	}
	return verdicts, nil
}

// ManualHistory returns the manual-request verdicts of this session,
// newest first.
func (p *Pipeline) ManualHistory() []model.Verdict {
	return p.manualRing.Recent(0)
}

// Stats assembles the system stats payload.
func (p *Pipeline) Stats() model.SystemStats {
	local, cloud := p.deps.Store.Decisions()
	total := local + cloud
	autonomy := 1.0
	if total > 0 {
		autonomy = float64(local) / float64(total)
	}
	return model.SystemStats{
		AutonomyScore:   autonomy,
		LocalDecisions:  local,
		CloudDecisions:  cloud,
		TotalDecisions:  total,
		LearnedPatterns: p.deps.Store.Len(),
		Cache:           p.deps.Cache.Stats(),
		AnomalyEngine:   p.deps.Anomaly.Stats(),
		Thresholds: model.ThresholdStats{
			Entropy:  p.deps.Heuristics.Threshold(),
			Anomaly:  p.deps.Anomaly.Threshold(),
			Metadata: p.deps.Classifier.Threshold(),
		},
	}
}

// QueueDepth returns how many polled tasks are waiting for a worker.
func (p *Pipeline) QueueDepth() int { return len(p.pool.polled) }

// QueueCapacity returns the polled queue's fixed capacity.
func (p *Pipeline) QueueCapacity() int { return polledQueueCapacity }

// ReasoningState reports the breaker state for /health, or "disabled".
func (p *Pipeline) ReasoningState() string {
	if p.deps.Reasoning == nil {
		return "disabled"
	}
	return p.deps.Reasoning.Breaker().State().String()
}

// handle runs one task through the tier state machine. A panic anywhere in
// a tier is an internal invariant violation: logged with a snapshot and
// healed by committing a Fallback verdict.
func (p *Pipeline) handle(ctx context.Context, t task) {
	var committed model.Verdict
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pipeline invariant violation: tier panicked",
					"domain", t.domain,
					"panic", fmt.Sprint(r),
				)
				committed = p.commit(p.syntheticFallback(t.domain, "internal error during analysis"), 0, t)
			}
		}()
		committed = p.run(ctx, t)
	}()
	if t.result != nil {
		t.result <- committed
	}
}

func (p *Pipeline) run(ctx context.Context, t task) model.Verdict {
	start := time.Now()
	domain := t.domain

	// Feature extraction feeds the adaptive threshold and the anomaly ring
	// no matter which tier ends up deciding.
	features := heuristics.Features(domain)
	p.deps.Heuristics.Observe(features.Entropy)
	p.deps.Anomaly.FitIncremental(features)

	metaRes := p.deps.Classifier.Classify(domain, t.meta)
	if metaRes.Conclusive && !metaRes.Escalate {
		return p.commit(model.Verdict{
			Domain:   domain,
			Risk:     metaRes.Risk,
			Category: metaRes.Category,
			Summary:  metaRes.Summary,
			Entropy:  features.Entropy,
			Source:   model.SourceMetadata,
			Upstream: t.meta,
		}, metaRes.Confidence, t)
	}

	heurRes := p.deps.Heuristics.Evaluate(features)
	score, anomalous := p.deps.Anomaly.Assess(features)

	if heurRes.Conclusive && !metaRes.Escalate && !anomalous {
		return p.commit(model.Verdict{
			Domain:   domain,
			Risk:     heurRes.Risk,
			Category: heurRes.Category,
			Summary:  heurRes.Summary,
			Entropy:  features.Entropy,
			Source:   model.SourceHeuristic,
			Upstream: t.meta,
		}, 0, t)
	}

	overBudget := time.Since(start) > p.cfg.LocalBudget || ctx.Err() != nil
	if p.deps.Reasoning.Available() && !overBudget {
		remaining := p.cfg.TotalBudget - time.Since(start)
		if remaining > 0 {
			rctx, cancel := context.WithTimeout(ctx, remaining)
			assessment, err := p.deps.Reasoning.Analyze(rctx, reasoning.Request{
				Domain: domain,
				Features: reasoning.FeatureBundle{
					Entropy:      features.Entropy,
					DigitRatio:   features.DigitRatio,
					VowelRatio:   features.VowelRatio,
					Length:       features.Length,
					AnomalyScore: score,
				},
				Upstream:     t.meta,
				Context:      t.note,
				AnomalyHint:  anomalous,
				ManualSource: t.manual,
			})
			cancel()
			if err == nil {
				summary := assessment.Explanation
				if assessment.RecommendedAction != "" {
					summary += " (recommended: " + assessment.RecommendedAction + ")"
				}
				return p.commit(model.Verdict{
					Domain:       domain,
					Risk:         assessment.Risk,
					Category:     assessment.Category,
					Summary:      summary,
					IsAnomaly:    anomalous,
					AnomalyScore: score,
					Entropy:      features.Entropy,
					Source:       model.SourceReasoning,
					Upstream:     t.meta,
				}, 0, t)
			}
			p.logger.Warn("reasoning call failed, falling back", "domain", domain, "error", err)
			return p.commit(p.fallbackFrom(domain, features, metaRes, heurRes, anomalous, score, t.meta), 0, t)
		}
	}

	// Reasoning never ran: decide from the best local tier.
	switch {
	case anomalous && heurRes.Conclusive:
		risk := heurRes.Risk
		if !risk.AtLeast(model.RiskHigh) {
			risk = model.RiskHigh
		}
		return p.commit(model.Verdict{
			Domain:       domain,
			Risk:         risk,
			Category:     heurRes.Category,
			Summary:      heurRes.Summary + "; statistical outlier (degraded: reasoning unavailable)",
			IsAnomaly:    true,
			AnomalyScore: score,
			Entropy:      features.Entropy,
			Source:       model.SourceAnomaly,
			Upstream:     t.meta,
		}, 0, t)
	case anomalous:
		return p.commit(model.Verdict{
			Domain:       domain,
			Risk:         model.RiskHigh,
			Category:     model.CategoryZeroDay,
			Summary:      fmt.Sprintf("statistical outlier (score %.3f below threshold %.3f), reasoning unavailable", score, p.deps.Anomaly.Threshold()),
			IsAnomaly:    true,
			AnomalyScore: score,
			Entropy:      features.Entropy,
			Source:       model.SourceAnomaly,
			Upstream:     t.meta,
		}, 0, t)
	case metaRes.Conclusive:
		// Privacy escalation with no reasoning to escalate to.
		return p.commit(model.Verdict{
			Domain:   domain,
			Risk:     metaRes.Risk,
			Category: metaRes.Category,
			Summary:  metaRes.Summary,
			Entropy:  features.Entropy,
			Source:   model.SourceMetadata,
			Upstream: t.meta,
		}, metaRes.Confidence, t)
	case heurRes.Conclusive:
		return p.commit(model.Verdict{
			Domain:   domain,
			Risk:     heurRes.Risk,
			Category: heurRes.Category,
			Summary:  heurRes.Summary,
			Entropy:  features.Entropy,
			Source:   model.SourceHeuristic,
			Upstream: t.meta,
		}, 0, t)
	default:
		v := p.syntheticFallback(domain, "no tier conclusive, reasoning unavailable")
		v.Entropy = features.Entropy
		v.AnomalyScore = score
		v.Upstream = t.meta
		return p.commit(v, 0, t)
	}
}

// fallbackFrom synthesizes a Fallback verdict from the best lower-tier
// result after a failed reasoning call.
func (p *Pipeline) fallbackFrom(domain string, features model.FeatureVector, metaRes signature.Result, heurRes heuristics.Result, anomalous bool, score float64, meta *model.UpstreamMeta) model.Verdict {
	v := model.Verdict{
		Domain:       domain,
		Risk:         model.RiskLow,
		Category:     model.CategoryUnknown,
		Summary:      "reasoning unavailable, no conclusive local tier (degraded)",
		IsAnomaly:    anomalous,
		AnomalyScore: score,
		Entropy:      features.Entropy,
		Source:       model.SourceFallback,
		Upstream:     meta,
	}
	switch {
	case anomalous:
		v.Risk = model.RiskHigh
		v.Category = model.CategoryZeroDay
		v.Summary = "statistical outlier, reasoning unavailable (degraded)"
	case metaRes.Conclusive:
		v.Risk = metaRes.Risk
		v.Category = metaRes.Category
		v.Summary = metaRes.Summary + " (degraded: reasoning unavailable)"
	case heurRes.Conclusive:
		v.Risk = heurRes.Risk
		v.Category = heurRes.Category
		v.Summary = heurRes.Summary + " (degraded: reasoning unavailable)"
	}
	return v
}

// syntheticFallback is the verdict of last resort.
func (p *Pipeline) syntheticFallback(domain, reason string) model.Verdict {
	return model.Verdict{
		ID:        uuid.New(),
		Domain:    domain,
		Risk:      model.RiskLow,
		Category:  model.CategoryUnknown,
		Summary:   reason,
		Source:    model.SourceFallback,
		DecidedAt: time.Now().UTC(),
	}
}

// commit finalizes one verdict: cache, buffer, subscribers, ledger,
// learner, dedup, in that order.
func (p *Pipeline) commit(v model.Verdict, metaConfidence float64, t task) model.Verdict {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.DecidedAt.IsZero() {
		v.DecidedAt = time.Now().UTC()
	}
	v.Manual = t.manual

	p.deps.Cache.Store(v.Domain, v)
	p.buffer.Append(v)
	if t.manual {
		p.manualRing.Append(v)
	}
	if p.deps.Publish != nil {
		p.deps.Publish(v)
	}
	if p.deps.Ledger != nil {
		p.deps.Ledger.Append(v)
	}
	p.deps.Learner.Observe(v, metaConfidence)
	if v.Source == model.SourceReasoning {
		p.deps.Store.RecordCloud()
	} else {
		p.deps.Store.RecordLocal()
	}
	if t.admitted {
		p.deps.Dedup.Complete(v.Domain)
	}

	p.logger.Debug("verdict committed",
		"domain", v.Domain,
		"risk", string(v.Risk),
		"category", v.Category,
		"source", string(v.Source),
		"manual", v.Manual,
	)
	return v
}

func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("sabaki/pipeline")

	_, _ = meter.Int64ObservableGauge("sabaki.pipeline.buffer_depth",
		metric.WithDescription("Committed verdicts held in the history buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.buffer.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("sabaki.pipeline.polled_queue_depth",
		metric.WithDescription("Polled tasks waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(p.pool.polled)))
			return nil
		}),
	)
}
