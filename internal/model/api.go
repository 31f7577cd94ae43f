package model

import "time"

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Domain string `json:"domain"`
	// Context is an optional free-text note from the caller. When it reads
	// like an architectural question, the reasoning tier sends its full
	// system preamble instead of the compact analysis prompt.
	Context string `json:"context,omitempty"`
}

// CacheStats is the verdict cache section of the system stats payload.
type CacheStats struct {
	MemoryEntries int     `json:"memory_entries"`
	DiskEntries   int     `json:"disk_entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	DroppedWrites int64   `json:"dropped_writes"`
}

// AnomalyStats is the anomaly engine section of the system stats payload.
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

// SystemStats is the payload of GET /api/stats/system. The autonomy score
// is the fraction of verdicts decided without the remote reasoning tier.
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
// report worker backpressure: polled tasks waiting for a worker, not the
// history ring, which sits at capacity in normal operation.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Reasoning   string `json:"reasoning"`
	QueueDepth  int    `json:"queue_depth"`
	QueueStatus string `json:"queue_status"`
	Subscribers int    `json:"sse_subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes returned in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)
