package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskOrdering(t *testing.T) {
	ordered := []Risk{RiskUnknown, RiskLow, RiskMedium, RiskHigh, RiskCritical}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank(),
			"%s must outrank %s", ordered[i], ordered[i-1])
	}

	assert.True(t, RiskHigh.AtLeast(RiskMedium))
	assert.True(t, RiskHigh.AtLeast(RiskHigh))
	assert.False(t, RiskLow.AtLeast(RiskMedium))

	assert.False(t, Risk("Severe").Valid())
	assert.Equal(t, 0, Risk("Severe").Rank(), "unrecognized risks rank as Unknown")
}

func TestRiskFromScore(t *testing.T) {
	tests := []struct {
		score int
		want  Risk
	}{
		{1, RiskLow}, {3, RiskLow},
		{4, RiskMedium}, {6, RiskMedium},
		{7, RiskHigh}, {8, RiskHigh},
		{9, RiskCritical}, {10, RiskCritical},
		{0, RiskUnknown}, {11, RiskUnknown}, {-4, RiskUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskFromScore(tt.score), "score %d", tt.score)
	}
}

func TestSourceValid(t *testing.T) {
	for _, s := range []Source{SourceCache, SourceMetadata, SourceHeuristic, SourceAnomaly, SourceReasoning, SourceFallback} {
		assert.True(t, s.Valid(), "%s", s)
	}
	assert.False(t, Source("Oracle").Valid())
}

func TestUpstreamEventMeta(t *testing.T) {
	assert.Nil(t, UpstreamEvent{Domain: "example.com"}.Meta(), "bare event carries no meta")

	ev := UpstreamEvent{Domain: "ads.example.com", Reason: ReasonBlackList, Rule: "||ads.example.com^"}
	meta := ev.Meta()
	assert.NotNil(t, meta)
	assert.Equal(t, ReasonBlackList, meta.Reason)
}
