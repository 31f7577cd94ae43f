package signature

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sabaki/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStoreSeedsBaselineWithoutSnapshot(t *testing.T) {
	s := NewStore("", testLogger())
	assert.Greater(t, s.Len(), 0, "missing snapshot must yield the seeded baseline")

	sig, ok := s.Lookup(model.SignatureKey{Reason: model.ReasonSafeBrowsing})
	require.True(t, ok)
	assert.Equal(t, model.CategoryMalware, sig.Category)
	assert.Equal(t, model.RiskCritical, sig.Risk)
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.snap")

	s1 := NewStore(path, testLogger())
	s1.Upsert(model.Signature{
		Key:        model.SignatureKey{Reason: "CustomReason"},
		Category:   model.CategoryTracker,
		Risk:       model.RiskMedium,
		Confidence: 0.91,
		Hits:       3,
		LastSeen:   time.Now().UTC(),
	})
	s1.RecordLocal()
	s1.RecordCloud()
	s1.Flush()

	s2 := NewStore(path, testLogger())
	sig, ok := s2.Lookup(model.SignatureKey{Reason: "CustomReason"})
	require.True(t, ok, "custom signature must survive the snapshot round trip")
	assert.Equal(t, int64(3), sig.Hits)
	assert.InDelta(t, 0.91, sig.Confidence, 1e-9)

	local, cloud := s2.Decisions()
	assert.Equal(t, int64(1), local)
	assert.Equal(t, int64(1), cloud)
}

func TestStoreRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.snap")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o600))

	s := NewStore(path, testLogger())
	// Corrupt snapshot falls back to the baseline instead of failing.
	assert.Greater(t, s.Len(), 0)
}

func TestClassifierProbesSpecificity(t *testing.T) {
	s := NewStore("", testLogger())
	now := time.Now().UTC()
	s.Upsert(model.Signature{
		Key:        model.SignatureKey{Reason: "FilteredBlackList", RulePrefix: "tracker.example"},
		Category:   model.CategoryTracker,
		Risk:       model.RiskHigh,
		Confidence: 0.97,
		Hits:       10,
		LastSeen:   now,
	})

	c := NewClassifier(s, 0)
	res := c.Classify("cdn.tracker.example", &model.UpstreamMeta{
		Reason: "FilteredBlackList",
		Rule:   "||tracker.example^",
	})

	require.True(t, res.Conclusive)
	// The specific (reason, rule_prefix) signature outscores the seeded
	// reason-only blacklist entry.
	assert.Equal(t, model.CategoryTracker, res.Category)
	assert.Equal(t, model.RiskHigh, res.Risk)
	assert.InDelta(t, 0.97, res.Confidence, 1e-9)
}

func TestSeededAdsPrefixMatchesFirstLabel(t *testing.T) {
	c := NewClassifier(NewStore("", testLogger()), 0)

	res := c.Classify("cdn-net.example", &model.UpstreamMeta{
		Reason: model.ReasonBlackList,
		Rule:   "||ads.cdn-net.example^",
	})
	require.True(t, res.Conclusive)
	assert.Equal(t, model.CategoryAdvertising, res.Category)
	// The first-label "ads" seed outscores the reason-only blacklist entry.
	assert.InDelta(t, 0.95, res.Confidence, 1e-9)

	res = c.Classify("cdn-net.example", &model.UpstreamMeta{
		Reason: model.ReasonBlackList,
		Rule:   "||banners.cdn-net.example^",
	})
	require.True(t, res.Conclusive)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9,
		"rules not anchored at ads fall through to the reason-only seed")
}

func TestClassifierIgnoresStaleSignatures(t *testing.T) {
	s := NewStore("", testLogger())
	s.Upsert(model.Signature{
		Key:        model.SignatureKey{Reason: "OldReason"},
		Category:   model.CategoryMalware,
		Risk:       model.RiskCritical,
		Confidence: 0.99,
		LastSeen:   time.Now().UTC().Add(-31 * 24 * time.Hour),
	})

	c := NewClassifier(s, 0)
	res := c.Classify("example.com", &model.UpstreamMeta{Reason: "OldReason"})
	assert.False(t, res.Conclusive, "stale signatures must not classify")
}

func TestClassifierBelowThresholdInconclusive(t *testing.T) {
	s := NewStore("", testLogger())
	s.Upsert(model.Signature{
		Key:        model.SignatureKey{Reason: "WeakReason"},
		Category:   model.CategoryUnknown,
		Risk:       model.RiskLow,
		Confidence: 0.5,
		LastSeen:   time.Now().UTC(),
	})

	c := NewClassifier(s, 0)
	res := c.Classify("example.com", &model.UpstreamMeta{Reason: "WeakReason"})
	assert.False(t, res.Conclusive)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
}

func TestPrivacyKeywordAlwaysEscalates(t *testing.T) {
	s := NewStore("", testLogger())
	now := time.Now().UTC()
	s.Upsert(model.Signature{
		Key:        model.SignatureKey{Reason: "FilteredBlackList"},
		Category:   model.CategoryAdvertising,
		Risk:       model.RiskMedium,
		Confidence: 0.95,
		LastSeen:   now,
	})

	c := NewClassifier(s, 0)
	res := c.Classify("geo-ping.example.com", &model.UpstreamMeta{Reason: "FilteredBlackList"})

	require.True(t, res.Conclusive)
	assert.True(t, res.Escalate, "privacy traffic must escalate even with a conclusive signature")
	assert.Equal(t, model.CategoryPrivacy, res.Category)
	assert.Equal(t, model.RiskHigh, res.Risk)
}

func TestTrackerAndAdKeywords(t *testing.T) {
	c := NewClassifier(NewStore("", testLogger()), 0)

	res := c.Classify("metrics.example.com", nil)
	require.True(t, res.Conclusive)
	assert.Equal(t, model.CategoryTracker, res.Category)
	assert.Equal(t, model.RiskMedium, res.Risk)
	assert.False(t, res.Escalate)

	res = c.Classify("doubleclick.example.net", nil)
	require.True(t, res.Conclusive)
	assert.Equal(t, model.CategoryAdvertising, res.Category)
}

func TestLearnerInsertsAndBlends(t *testing.T) {
	s := NewStore("", testLogger())
	l := NewLearner(s, testLogger())

	v := model.Verdict{
		Domain:   "evil.example",
		Risk:     model.RiskCritical,
		Category: model.CategoryMalware,
		Source:   model.SourceReasoning,
		Upstream: &model.UpstreamMeta{Reason: "NewReason", Rule: "||evil.example^"},
	}
	key := model.KeyFromMeta(v.Upstream)

	l.Observe(v, 0)
	sig, ok := s.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, int64(1), sig.Hits)
	assert.InDelta(t, 0.9, sig.Confidence, 1e-9)

	// Second observation increments hits exactly once and blends confidence.
	l.Observe(v, 0)
	sig, ok = s.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, int64(2), sig.Hits)
	assert.InDelta(t, 0.8*0.9+0.2*0.9, sig.Confidence, 1e-9)
	assert.Equal(t, model.CategoryMalware, sig.Category)
}

func TestLearnerSkipsLowConfidenceMetadata(t *testing.T) {
	s := NewStore("", testLogger())
	l := NewLearner(s, testLogger())
	before := s.Len()

	l.Observe(model.Verdict{
		Domain:   "weak.example",
		Source:   model.SourceMetadata,
		Category: model.CategoryTracker,
		Risk:     model.RiskMedium,
		Upstream: &model.UpstreamMeta{Reason: "WeakSignal"},
	}, 0.8)

	assert.Equal(t, before, s.Len(), "metadata below 0.9 confidence must not be learned")
}

func TestLearnerSkipsNonQualifyingSources(t *testing.T) {
	s := NewStore("", testLogger())
	l := NewLearner(s, testLogger())
	before := s.Len()

	for _, src := range []model.Source{model.SourceHeuristic, model.SourceAnomaly, model.SourceFallback, model.SourceCache} {
		l.Observe(model.Verdict{
			Domain:   "any.example",
			Source:   src,
			Upstream: &model.UpstreamMeta{Reason: "SomeReason"},
		}, 1.0)
	}
	assert.Equal(t, before, s.Len())
}

func TestLearnerSkipsVerdictsWithoutMeta(t *testing.T) {
	s := NewStore("", testLogger())
	l := NewLearner(s, testLogger())
	before := s.Len()

	l.Observe(model.Verdict{Domain: "bare.example", Source: model.SourceReasoning}, 0)
	assert.Equal(t, before, s.Len())
}
