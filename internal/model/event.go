package model

import "time"

// Well-known upstream filter reasons. The set is open: anything the
// sinkhole sends that we do not recognize is treated as unfiltered.
const (
	ReasonNotFiltered    = "NotFilteredNotFound"
	ReasonAllowList      = "NotFilteredAllowList"
	ReasonBlackList      = "FilteredBlackList"
	ReasonSafeBrowsing   = "FilteredSafeBrowsing"
	ReasonParental       = "FilteredParental"
	ReasonBlockedService = "FilteredBlockedService"
)

// UpstreamEvent is one entry from the DNS sinkhole query log, already
// reduced to the fields the pipeline consumes.
type UpstreamEvent struct {
	Domain     string    `json:"domain"`
	AnsweredAt time.Time `json:"answered_at"`
	Reason     string    `json:"reason,omitempty"`
	Rule       string    `json:"rule,omitempty"`
	FilterID   int64     `json:"filter_id,omitempty"`
	Client     string    `json:"client,omitempty"`
}

// Meta projects the event's filter metadata for embedding into a Verdict.
// Returns nil when the event carries no metadata at all.
func (e UpstreamEvent) Meta() *UpstreamMeta {
	if e.Reason == "" && e.Rule == "" && e.FilterID == 0 && e.Client == "" {
		return nil
	}
	return &UpstreamMeta{
		Reason:   e.Reason,
		Rule:     e.Rule,
		FilterID: e.FilterID,
		Client:   e.Client,
	}
}
