// Package ledger persists committed verdicts: an always-on SQLite mirror
// that serves history across restarts, plus an optional remote Postgres
// sink. Writes flow through a bounded async queue so the commit path never
// blocks on storage.
package ledger

import (
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// Row is one ledger record. Column order is fixed and shared by both sinks.
type Row struct {
	DecidedAt      time.Time
	Domain         string
	Risk           string
	Category       string
	Summary        string
	UpstreamReason string
	UpstreamRule   string
	IsAnomaly      bool
	AnomalyScore   float64
	Entropy        float64
}

// rowFromVerdict projects a committed verdict onto the ledger columns.
func rowFromVerdict(v model.Verdict) Row {
	row := Row{
		DecidedAt:    v.DecidedAt.UTC(),
		Domain:       v.Domain,
		Risk:         string(v.Risk),
		Category:     v.Category,
		Summary:      v.Summary,
		IsAnomaly:    v.IsAnomaly,
		AnomalyScore: v.AnomalyScore,
		Entropy:      v.Entropy,
	}
	if v.Upstream != nil {
		row.UpstreamReason = v.Upstream.Reason
		row.UpstreamRule = v.Upstream.Rule
	}
	return row
}

// verdict reconstructs a history entry from the stored columns. The ledger
// does not persist verdict IDs or sources, so reconstructed entries carry
// neither.
func (r Row) verdict() model.Verdict {
	v := model.Verdict{
		Domain:       r.Domain,
		Risk:         model.Risk(r.Risk),
		Category:     r.Category,
		Summary:      r.Summary,
		IsAnomaly:    r.IsAnomaly,
		AnomalyScore: r.AnomalyScore,
		Entropy:      r.Entropy,
		DecidedAt:    r.DecidedAt,
	}
	if r.UpstreamReason != "" || r.UpstreamRule != "" {
		v.Upstream = &model.UpstreamMeta{Reason: r.UpstreamReason, Rule: r.UpstreamRule}
	}
	return v
}
