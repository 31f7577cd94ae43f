package heuristics

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sabaki/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEntropyBoundaries(t *testing.T) {
	// Fixed points of base-2 Shannon entropy.
	assert.InDelta(t, 0.0, Entropy("aaaa"), 1e-9)
	assert.InDelta(t, 2.0, Entropy("abcd"), 1e-9)
	assert.InDelta(t, 0.0, Entropy(""), 1e-9)
	assert.InDelta(t, 0.0, Entropy("x"), 1e-9)
	assert.InDelta(t, 1.0, Entropy("abab"), 1e-9)
	assert.InDelta(t, 3.0, Entropy("abcdefgh"), 1e-9)
}

func TestRatios(t *testing.T) {
	assert.InDelta(t, 0.5, DigitRatio("a1b2"), 1e-9)
	assert.InDelta(t, 0.0, DigitRatio("abcd"), 1e-9)
	assert.InDelta(t, 1.0, DigitRatio("1234"), 1e-9)
	assert.InDelta(t, 0.0, DigitRatio(""), 1e-9)

	assert.InDelta(t, 0.5, VowelRatio("abeb"), 1e-9)
	assert.InDelta(t, 0.0, VowelRatio("xyz"), 1e-9)
	assert.InDelta(t, 0.0, VowelRatio(""), 1e-9)
}

func TestTLDWeight(t *testing.T) {
	assert.Equal(t, 1.5, TLDWeight("xyz"))
	assert.Equal(t, 1.5, TLDWeight("tk"))
	assert.Equal(t, 0.5, TLDWeight("gov"))
	assert.Equal(t, 1.0, TLDWeight("com"))
	assert.Equal(t, 1.0, TLDWeight(""))
}

func TestFeaturesComputedOverCore(t *testing.T) {
	// Ratios and entropy cover the part left of the TLD only; the TLD
	// would dilute the DGA signal.
	f := Features("xhk92-z1-kq4.ru")

	assert.Equal(t, float64(len("xhk92-z1-kq4.ru")), f.Length)
	assert.InDelta(t, 4.0/12.0, f.DigitRatio, 1e-9, "digits counted over %q", "xhk92-z1-kq4")
	assert.Equal(t, 1.0, f.TLDWeight)
	assert.Greater(t, f.Entropy, 3.0)
}

func TestEvaluateDGARule(t *testing.T) {
	e := NewEngine(testLogger())

	tests := []struct {
		name       string
		features   model.FeatureVector
		wantRisk   model.Risk
		conclusive bool
	}{
		{
			name:       "dga: high entropy and digits",
			features:   model.FeatureVector{Entropy: 4.0, DigitRatio: 0.35},
			wantRisk:   model.RiskHigh,
			conclusive: true,
		},
		{
			name:       "suspicious: entropy only",
			features:   model.FeatureVector{Entropy: 4.0, DigitRatio: 0.1},
			wantRisk:   model.RiskMedium,
			conclusive: true,
		},
		{
			name:     "benign: low entropy",
			features: model.FeatureVector{Entropy: 2.5, DigitRatio: 0.5},
		},
		{
			name:       "boundary: exactly at thresholds",
			features:   model.FeatureVector{Entropy: defaultEntropyThreshold, DigitRatio: digitRatioThreshold},
			wantRisk:   model.RiskHigh,
			conclusive: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(tt.features)
			require.Equal(t, tt.conclusive, res.Conclusive)
			if tt.conclusive {
				assert.Equal(t, tt.wantRisk, res.Risk)
				assert.NotEmpty(t, res.Summary)
			}
		})
	}
}

func TestDGARuleCategories(t *testing.T) {
	e := NewEngine(testLogger())

	dga := e.Evaluate(model.FeatureVector{Entropy: 4.2, DigitRatio: 0.4})
	assert.Equal(t, model.CategoryMalware, dga.Category)
	assert.Contains(t, dga.Summary, "DGA")

	suspicious := e.Evaluate(model.FeatureVector{Entropy: 4.2, DigitRatio: 0.0})
	assert.Equal(t, model.CategoryUnknown, suspicious.Category)
}

func TestAdaptiveThresholdClamps(t *testing.T) {
	e := NewEngine(testLogger())
	require.Equal(t, defaultEntropyThreshold, e.Threshold())

	// 500 low-entropy observations drag the 90th percentile below the
	// floor; the threshold must clamp at 3.0.
	for range adjustEvery {
		e.Observe(1.5)
	}
	assert.Equal(t, thresholdFloor, e.Threshold())

	// 500 adversarially high observations must clamp at the ceiling.
	for range adjustEvery {
		e.Observe(7.9)
	}
	assert.Equal(t, thresholdCeil, e.Threshold())
}

func TestAdaptiveThresholdTracksPercentile(t *testing.T) {
	e := NewEngine(testLogger())

	// 90% of traffic at entropy 3.2, 10% at 4.2: the 90th percentile lands
	// inside the clamp range and the threshold should follow it.
	for i := range adjustEvery {
		if i%10 == 9 {
			e.Observe(4.2)
		} else {
			e.Observe(3.2)
		}
	}
	got := e.Threshold()
	assert.GreaterOrEqual(t, got, thresholdFloor)
	assert.LessOrEqual(t, got, thresholdCeil)
	assert.NotEqual(t, defaultEntropyThreshold, got, "threshold should move after a full window")
	assert.EqualValues(t, adjustEvery, e.Observed())
}

func TestThresholdStableWithinWindow(t *testing.T) {
	e := NewEngine(testLogger())
	for range adjustEvery - 1 {
		e.Observe(7.9)
	}
	assert.Equal(t, defaultEntropyThreshold, e.Threshold(),
		"threshold must not move before the window fills")
}
