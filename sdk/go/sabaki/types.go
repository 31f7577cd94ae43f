package sabaki

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is one committed domain classification.
type Verdict struct {
	ID           uuid.UUID     `json:"id"`
	Domain       string        `json:"domain"`
	Risk         string        `json:"risk"`
	Category     string        `json:"category"`
	Summary      string        `json:"summary"`
	IsAnomaly    bool          `json:"is_anomaly"`
	AnomalyScore float64       `json:"anomaly_score"`
	Entropy      float64       `json:"entropy"`
	Source       string        `json:"source"`
	Upstream     *UpstreamMeta `json:"upstream,omitempty"`
	Manual       bool          `json:"manual,omitempty"`
	DecidedAt    time.Time     `json:"decided_at"`
}

// UpstreamMeta is the sinkhole filter metadata attached to a verdict.
type UpstreamMeta struct {
	Reason   string `json:"reason,omitempty"`
	Rule     string `json:"rule,omitempty"`
	FilterID int64  `json:"filter_id,omitempty"`
	Client   string `json:"client,omitempty"`
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Domain string `json:"domain"`
	// Context is an optional free-text note passed to the reasoning tier.
	Context string `json:"context,omitempty"`
}

// CacheStats is the verdict cache section of SystemStats.
type CacheStats struct {
	MemoryEntries int     `json:"memory_entries"`
	DiskEntries   int     `json:"disk_entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	DroppedWrites int64   `json:"dropped_writes"`
}

// AnomalyStats is the anomaly engine section of SystemStats.
type AnomalyStats struct {
	Samples     int     `json:"samples"`
	Fitted      bool    `json:"fitted"`
	LastFitSize int     `json:"last_fit_size"`
	Threshold   float64 `json:"threshold"`
	Flagged     int64   `json:"anomalies_flagged"`
}

// ThresholdStats reports the current adaptive thresholds.
type ThresholdStats struct {
	Entropy  float64 `json:"entropy_threshold"`
	Anomaly  float64 `json:"anomaly_threshold"`
	Metadata float64 `json:"metadata_threshold"`
}

// SystemStats is the payload of GET /api/stats/system.
type SystemStats struct {
	AutonomyScore   float64        `json:"autonomy_score"`
	LocalDecisions  int64          `json:"local_decisions"`
	CloudDecisions  int64          `json:"cloud_decisions"`
	TotalDecisions  int64          `json:"total_decisions"`
	LearnedPatterns int            `json:"learned_patterns"`
	Cache           CacheStats     `json:"cache_stats"`
	AnomalyEngine   AnomalyStats   `json:"anomaly_engine_stats"`
	Thresholds      ThresholdStats `json:"thresholds"`
}

// HealthResponse is the payload of GET /health. QueueDepth and QueueStatus
// report how far behind the analysis workers are.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Reasoning   string `json:"reasoning"`
	QueueDepth  int    `json:"queue_depth"`
	QueueStatus string `json:"queue_status"`
	Subscribers int    `json:"sse_subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}
