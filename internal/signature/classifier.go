package signature

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// DefaultMetadataThreshold is the confidence a signature needs before the
// metadata tier may short-circuit the pipeline.
const DefaultMetadataThreshold = 0.75

// keywordConfidence is assigned to name-keyword matches. High enough to be
// conclusive against the default threshold, low enough that the learner's
// 0.9 floor never writes it back as a signature.
const keywordConfidence = 0.8

// Hardcoded name-keyword priors. These are code, not store entries, so the
// learner can never overwrite them.
var (
	privacyKeywords = []string{"geo", "location", "gps", "telemetry"}
	trackerKeywords = []string{"pixel", "metrics", "collect", "analytics"}
	adKeywords      = []string{"ads", "doubleclick"}
)

// Result is the metadata tier's output for one domain.
type Result struct {
	Conclusive bool
	Category   string
	Risk       model.Risk
	Confidence float64
	Summary    string
	// Escalate forces the reasoning tier even when the result is
	// conclusive. Privacy traffic is always explained.
	Escalate bool
}

// Classifier classifies domains from upstream filter metadata and the
// name-keyword priors, without statistical or remote analysis.
type Classifier struct {
	store     *Store
	threshold float64
}

// NewClassifier creates a metadata classifier over the given store.
func NewClassifier(store *Store, threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultMetadataThreshold
	}
	return &Classifier{store: store, threshold: threshold}
}

// Threshold returns the conclusive-confidence threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }

// Classify probes the signature store at decreasing key specificity, then
// falls back to the name-keyword priors. Privacy keywords escalate to
// reasoning even when a signature is conclusive.
func (c *Classifier) Classify(domain string, meta *model.UpstreamMeta) Result {
	res := c.classifySignatures(meta)

	if kw, ok := c.matchPrivacy(domain); ok {
		// The privacy prior dominates whatever the signatures said.
		return kw
	}

	if res.Conclusive {
		return res
	}
	if kw, ok := c.matchTrackerAds(domain); ok {
		return kw
	}
	return res
}

func (c *Classifier) classifySignatures(meta *model.UpstreamMeta) Result {
	if meta == nil || meta.Reason == "" {
		return Result{}
	}

	full := model.KeyFromMeta(meta)
	probes := []model.SignatureKey{full, full.WithoutClient(), full.FirstLabel(), full.ReasonOnly()}

	var best model.Signature
	found := false
	now := time.Now().UTC()
	for _, key := range probes {
		sig, ok := c.store.Lookup(key)
		if !ok || now.Sub(sig.LastSeen) > staleAfter {
			continue
		}
		if !found || sig.Confidence > best.Confidence ||
			(sig.Confidence == best.Confidence && sig.LastSeen.After(best.LastSeen)) {
			best = sig
			found = true
		}
	}
	if !found {
		return Result{}
	}

	return Result{
		Conclusive: best.Confidence >= c.threshold,
		Category:   best.Category,
		Risk:       best.Risk,
		Confidence: best.Confidence,
		Summary: fmt.Sprintf("matched learned pattern for %q (confidence %.2f, %d hits)",
			meta.Reason, best.Confidence, best.Hits),
	}
}

func (c *Classifier) matchPrivacy(domain string) (Result, bool) {
	for _, kw := range privacyKeywords {
		if strings.Contains(domain, kw) {
			return Result{
				Conclusive: true,
				Category:   model.CategoryPrivacy,
				Risk:       model.RiskHigh,
				Confidence: keywordConfidence,
				Summary:    fmt.Sprintf("name contains privacy keyword %q", kw),
				Escalate:   true,
			}, true
		}
	}
	return Result{}, false
}

func (c *Classifier) matchTrackerAds(domain string) (Result, bool) {
	for _, kw := range adKeywords {
		if strings.Contains(domain, kw) {
			return Result{
				Conclusive: true,
				Category:   model.CategoryAdvertising,
				Risk:       model.RiskMedium,
				Confidence: keywordConfidence,
				Summary:    fmt.Sprintf("name contains advertising keyword %q", kw),
			}, true
		}
	}
	for _, kw := range trackerKeywords {
		if strings.Contains(domain, kw) {
			return Result{
				Conclusive: true,
				Category:   model.CategoryTracker,
				Risk:       model.RiskMedium,
				Confidence: keywordConfidence,
				Summary:    fmt.Sprintf("name contains tracker keyword %q", kw),
			}, true
		}
	}
	return Result{}, false
}
