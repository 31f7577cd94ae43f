package signature

import (
	"log/slog"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

const (
	// learnFloor is the metadata confidence below which a Metadata verdict
	// is not trusted enough to write back.
	learnFloor = 0.9

	// reasoningConfidence is the observed confidence assigned to verdicts
	// from the reasoning tier: seed-level trust, blended in over time.
	reasoningConfidence = 0.9

	// Confidence blend weights for repeat observations.
	blendKeep = 0.8
	blendNew  = 0.2
)

// Learner observes committed verdicts and writes signatures back to the
// store. It is the store's only writer.
type Learner struct {
	store  *Store
	logger *slog.Logger
}

// NewLearner creates a pattern learner over the given store.
func NewLearner(store *Store, logger *slog.Logger) *Learner {
	return &Learner{
		store:  store,
		logger: logger.With("component", "learner"),
	}
}

// Observe applies one committed verdict to the signature store. Only
// Reasoning verdicts and high-confidence Metadata verdicts qualify;
// metaConfidence is the classifier confidence for Metadata verdicts and
// ignored otherwise. Everything else is a no-op.
func (l *Learner) Observe(v model.Verdict, metaConfidence float64) {
	var observed float64
	switch v.Source {
	case model.SourceReasoning:
		observed = reasoningConfidence
	case model.SourceMetadata:
		if metaConfidence < learnFloor {
			return
		}
		observed = metaConfidence
	default:
		return
	}

	key := model.KeyFromMeta(v.Upstream)
	if key.Reason == "" {
		// No upstream metadata to key on; nothing to learn.
		return
	}

	now := time.Now().UTC()
	if existing, ok := l.store.Lookup(key); ok {
		existing.Hits++
		existing.LastSeen = now
		existing.Confidence = blendKeep*existing.Confidence + blendNew*observed
		// The latest observation wins the label; repeated disagreement
		// erodes confidence through the blend instead of flapping.
		existing.Category = v.Category
		existing.Risk = v.Risk
		l.store.Upsert(existing)
		return
	}

	l.store.Upsert(model.Signature{
		Key:        key,
		Category:   v.Category,
		Risk:       v.Risk,
		Confidence: observed,
		Hits:       1,
		LastSeen:   now,
	})
	l.logger.Debug("new signature learned",
		"reason", key.Reason,
		"rule_prefix", key.RulePrefix,
		"category", v.Category,
		"risk", string(v.Risk),
	)
}
