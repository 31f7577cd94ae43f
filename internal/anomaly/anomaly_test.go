package anomaly

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sabaki/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newDeterministicEngine pins the rng so fits are reproducible.
func newDeterministicEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(testLogger())
	e.rng = rand.New(rand.NewPCG(42, 7))
	return e
}

// typicalSample mimics ordinary web traffic with mild jitter.
func typicalSample(rng *rand.Rand) model.FeatureVector {
	return model.FeatureVector{
		Length:     12 + rng.Float64()*6,
		Entropy:    3.0 + rng.Float64()*0.4,
		DigitRatio: rng.Float64() * 0.05,
		VowelRatio: 0.35 + rng.Float64()*0.1,
		TLDWeight:  0.1,
	}
}

// outlierSample is a DGA-shaped vector far outside the cluster.
func outlierSample() model.FeatureVector {
	return model.FeatureVector{
		Length:     48,
		Entropy:    4.6,
		DigitRatio: 0.55,
		VowelRatio: 0.05,
		TLDWeight:  0.9,
	}
}

func TestAssessColdStart(t *testing.T) {
	e := newDeterministicEngine(t)

	score, anomalous := e.Assess(outlierSample())
	assert.Equal(t, 0.0, score)
	assert.False(t, anomalous, "unfitted model must never flag")
	assert.False(t, e.Fitted())
	assert.Equal(t, defaultThreshold, e.Threshold())
}

func TestFirstFitAtMinSamples(t *testing.T) {
	e := newDeterministicEngine(t)
	rng := rand.New(rand.NewPCG(1, 1))

	for i := 0; i < minSamples-1; i++ {
		e.ingest(typicalSample(rng))
	}
	assert.False(t, e.Fitted())

	e.ingest(typicalSample(rng))
	require.True(t, e.Fitted(), "fit must trigger at the sample floor")
	assert.Equal(t, minSamples, e.Stats().LastFitSize)
}

func TestRefitScheduleDoublesThenFixedInterval(t *testing.T) {
	e := newDeterministicEngine(t)
	rng := rand.New(rand.NewPCG(2, 2))

	for i := 0; i < doublingCap; i++ {
		e.ingest(typicalSample(rng))
	}
	// Doubling phase ends at 640 (the last doubling under the cap); after
	// that fits come every fixed interval.
	assert.Equal(t, int64(640+refitInterval), e.nextFit)
	assert.Equal(t, 640, e.Stats().LastFitSize)
}

func TestThresholdWithinClamp(t *testing.T) {
	e := newDeterministicEngine(t)
	rng := rand.New(rand.NewPCG(3, 3))

	for i := 0; i < 200; i++ {
		e.ingest(typicalSample(rng))
	}
	require.True(t, e.Fitted())
	thr := e.Threshold()
	assert.GreaterOrEqual(t, thr, thresholdFloor)
	assert.LessOrEqual(t, thr, thresholdCeil)
}

func TestEngineFlagsOutlier(t *testing.T) {
	e := newDeterministicEngine(t)
	rng := rand.New(rand.NewPCG(4, 4))

	for i := 0; i < 320; i++ {
		e.ingest(typicalSample(rng))
	}
	require.True(t, e.Fitted())

	outScore, _ := e.Assess(outlierSample())
	inScore, inAnomalous := e.Assess(typicalSample(rng))

	assert.Less(t, outScore, inScore, "outlier must score lower than typical traffic")
	assert.False(t, inAnomalous, "typical traffic must not be flagged")
}

func TestRingBufferBounded(t *testing.T) {
	e := newDeterministicEngine(t)
	rng := rand.New(rand.NewPCG(5, 5))

	for i := 0; i < ringCapacity+100; i++ {
		e.ingest(typicalSample(rng))
	}
	assert.Equal(t, ringCapacity, e.Stats().Samples)
}

func TestFitIncrementalDropsWhenBehind(t *testing.T) {
	e := newDeterministicEngine(t)
	rng := rand.New(rand.NewPCG(6, 6))

	// Updater never started, so the intake queue fills and overflows.
	for i := 0; i < intakeCapacity+10; i++ {
		e.FitIncremental(typicalSample(rng))
	}
	assert.Equal(t, int64(10), e.dropped.Load())
}

func TestStartDrainLifecycle(t *testing.T) {
	e := newDeterministicEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	e.Start(ctx) // second call is a logged no-op

	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 50; i++ {
		e.FitIncremental(typicalSample(rng))
	}
	require.Eventually(t, e.Fitted, 2*time.Second, 10*time.Millisecond)

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	e.Drain(drainCtx)
}
