package sabaki

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the public representation of a committed domain verdict.
// It is a curated view of internal/model.Verdict for use in extension
// points. No internal package imports — safe to use from outside the module.
type Verdict struct {
	ID           uuid.UUID
	Domain       string
	Risk         string
	Category     string
	Summary      string
	IsAnomaly    bool
	AnomalyScore float64
	Entropy      float64
	// Source names the pipeline tier that produced the verdict: Cache,
	// Metadata, Heuristic, Anomaly, Reasoning, or Fallback.
	Source string
	// Manual marks verdicts requested through POST /analyze rather than
	// discovered by the poller.
	Manual    bool
	DecidedAt time.Time
}

// VerdictHook receives every committed verdict, in commit order. Hooks run
// in their own goroutine per verdict — they must not block indefinitely.
// Failures inside a hook never affect the commit.
type VerdictHook func(Verdict)
