// Package model defines the core domain types shared across the pipeline:
// verdicts, upstream events, learned signatures, feature vectors, and the
// HTTP API envelope.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Risk is the severity assigned to a domain. Ordering is total:
// Critical > High > Medium > Low > Unknown.
type Risk string

const (
	RiskCritical Risk = "Critical"
	RiskHigh     Risk = "High"
	RiskMedium   Risk = "Medium"
	RiskLow      Risk = "Low"
	RiskUnknown  Risk = "Unknown"
)

// riskRank orders risks for comparison. Higher is more severe.
var riskRank = map[Risk]int{
	RiskUnknown:  0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank returns the ordinal severity of r (Unknown=0 .. Critical=4).
// Unrecognized values rank as Unknown.
func (r Risk) Rank() int { return riskRank[r] }

// Valid reports whether r is one of the five defined risk levels.
func (r Risk) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// AtLeast reports whether r is at least as severe as other.
func (r Risk) AtLeast(other Risk) bool { return r.Rank() >= other.Rank() }

// RiskFromScore maps a reasoning risk score (1..10) onto a Risk level:
// 1-3 Low, 4-6 Medium, 7-8 High, 9-10 Critical. Out-of-range scores map
// to Unknown; callers validate the score before mapping.
func RiskFromScore(score int) Risk {
	switch {
	case score >= 9 && score <= 10:
		return RiskCritical
	case score >= 7 && score <= 8:
		return RiskHigh
	case score >= 4 && score <= 6:
		return RiskMedium
	case score >= 1 && score <= 3:
		return RiskLow
	default:
		return RiskUnknown
	}
}

// Source identifies the pipeline tier that produced a verdict.
// It is set exactly once, at commit, and never mutated.
type Source string

const (
	SourceCache     Source = "Cache"
	SourceMetadata  Source = "Metadata"
	SourceHeuristic Source = "Heuristic"
	SourceAnomaly   Source = "Anomaly"
	SourceReasoning Source = "Reasoning"
	SourceFallback  Source = "Fallback"
)

// Valid reports whether s is one of the six defined verdict sources.
func (s Source) Valid() bool {
	switch s {
	case SourceCache, SourceMetadata, SourceHeuristic, SourceAnomaly, SourceReasoning, SourceFallback:
		return true
	}
	return false
}

// Well-known verdict categories. Category is free-form on the wire but
// everything the pipeline emits is drawn from this set.
const (
	CategoryTracker     = "Tracker"
	CategoryAdvertising = "Advertising"
	CategoryMalware     = "Malware"
	CategorySystem      = "System"
	CategoryPrivacy     = "Privacy"
	CategoryUnknown     = "Unknown"
	CategoryZeroDay     = "Zero-Day Suspect"
)

// UpstreamMeta is the filter metadata carried from the sinkhole log entry
// into the verdict. All fields are upstream-opaque strings.
type UpstreamMeta struct {
	Reason   string `json:"reason,omitempty"`
	Rule     string `json:"rule,omitempty"`
	FilterID int64  `json:"filter_id,omitempty"`
	Client   string `json:"client,omitempty"`
}

// Verdict is the final classification record for one domain, produced by
// exactly one tier.
type Verdict struct {
	ID           uuid.UUID     `json:"id"`
	Domain       string        `json:"domain"`
	Risk         Risk          `json:"risk"`
	Category     string        `json:"category"`
	Summary      string        `json:"summary"`
	IsAnomaly    bool          `json:"is_anomaly"`
	AnomalyScore float64       `json:"anomaly_score"`
	Entropy      float64       `json:"entropy"`
	Source       Source        `json:"source"`
	Upstream     *UpstreamMeta `json:"upstream,omitempty"`
	// Manual marks verdicts that entered through POST /analyze rather than
	// the poller. Used by /manual-history.
	Manual    bool      `json:"manual,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// FeatureVector is the statistical fingerprint of a domain name, computed
// by the heuristic engine and consumed by the anomaly engine and the
// reasoning prompt.
type FeatureVector struct {
	Length     float64 `json:"length"`
	Entropy    float64 `json:"entropy"`
	DigitRatio float64 `json:"digit_ratio"`
	VowelRatio float64 `json:"vowel_ratio"`
	TLDWeight  float64 `json:"tld_weight"`
}

// Values returns the vector as a fixed-order slice for model fitting.
func (f FeatureVector) Values() []float64 {
	return []float64{f.Length, f.Entropy, f.DigitRatio, f.VowelRatio, f.TLDWeight}
}
