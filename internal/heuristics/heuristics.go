// Package heuristics computes fast statistical features of domain names and
// applies the DGA detection rule with an adaptive entropy threshold.
package heuristics

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/sabaki/internal/model"
)

const (
	defaultEntropyThreshold = 3.8
	thresholdFloor          = 3.0
	thresholdCeil           = 4.5
	// adjustEvery is how many observed domains trigger a threshold
	// recalibration to the 90th percentile of their entropies.
	adjustEvery         = 500
	digitRatioThreshold = 0.3
)

// tldWeights maps right-most labels to a reputation weight. Unlisted TLDs
// weigh 1.0. Heavier is worse: the weight feeds the anomaly feature vector.
var tldWeights = map[string]float64{
	// Disposable TLDs with chronic abuse rates.
	"xyz": 1.5, "top": 1.5, "click": 1.5, "link": 1.5, "work": 1.5,
	"date": 1.5, "racing": 1.5, "stream": 1.5, "gdn": 1.5, "mom": 1.5,
	"loan": 1.5, "tk": 1.5, "ml": 1.5, "ga": 1.5, "cf": 1.5,
	// Institutional TLDs with vetted registration.
	"gov": 0.5, "edu": 0.5, "mil": 0.5, "int": 0.5,
}

// Entropy returns the Shannon entropy (base 2) of the character frequency
// distribution of s. Empty and single-character strings score 0.
func Entropy(s string) float64 {
	if len(s) < 2 {
		return 0
	}
	freq := make(map[rune]int, len(s))
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	var h float64
	for _, n := range freq {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// DigitRatio returns the fraction of characters in s that are ASCII digits.
func DigitRatio(s string) float64 {
	if s == "" {
		return 0
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return float64(digits) / float64(len(s))
}

// VowelRatio returns the fraction of characters in s that are vowels.
func VowelRatio(s string) float64 {
	if s == "" {
		return 0
	}
	vowels := 0
	for _, r := range s {
		switch r {
		case 'a', 'e', 'i', 'o', 'u':
			vowels++
		}
	}
	return float64(vowels) / float64(len(s))
}

// TLDWeight returns the reputation weight for a TLD token.
func TLDWeight(tld string) float64 {
	if w, ok := tldWeights[tld]; ok {
		return w
	}
	return 1.0
}

// core returns the portion of the domain left of its TLD, the string the
// entropy and ratio features are computed over. DGA generators randomize
// this part; the TLD would only dilute the signal.
func core(domain string) string {
	if idx := strings.LastIndexByte(domain, '.'); idx > 0 {
		return domain[:idx]
	}
	return domain
}

// Features computes the full statistical fingerprint of a normalized domain.
func Features(domain string) model.FeatureVector {
	c := core(domain)
	return model.FeatureVector{
		Length:     float64(len(domain)),
		Entropy:    Entropy(c),
		DigitRatio: DigitRatio(c),
		VowelRatio: VowelRatio(c),
		TLDWeight:  TLDWeight(model.TLDToken(domain)),
	}
}

// Result is the heuristic tier's output for one domain.
type Result struct {
	Conclusive bool
	Risk       model.Risk
	Category   string
	Summary    string
}

// Engine applies the DGA rule with a threshold that recalibrates itself to
// the network's observed entropy distribution.
type Engine struct {
	logger *slog.Logger

	mu        sync.Mutex
	threshold float64
	window    []float64 // entropies observed since the last recalibration
	observed  int64     // lifetime observation count
}

// NewEngine creates a heuristic engine with the default starting threshold.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:    logger.With("component", "heuristics"),
		threshold: defaultEntropyThreshold,
		window:    make([]float64, 0, adjustEvery),
	}
}

// Threshold returns the current entropy threshold.
func (e *Engine) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold
}

// Observed returns the lifetime number of observations.
func (e *Engine) Observed() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observed
}

// Observe records the entropy of an analyzed domain. Every 500 observations
// the threshold resets to the 90th percentile of the collected window,
// clamped to [3.0, 4.5], guarding against calibration drift on unusual
// networks.
func (e *Engine) Observe(entropy float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observed++
	e.window = append(e.window, entropy)
	if len(e.window) < adjustEvery {
		return
	}

	sorted := make([]float64, len(e.window))
	copy(sorted, e.window)
	sort.Float64s(sorted)

	p90 := sorted[int(float64(len(sorted))*0.9)]
	next := math.Min(math.Max(p90, thresholdFloor), thresholdCeil)

	if next != e.threshold {
		e.logger.Info("entropy threshold recalibrated",
			"old", fmt.Sprintf("%.3f", e.threshold),
			"new", fmt.Sprintf("%.3f", next),
			"p90", fmt.Sprintf("%.3f", p90),
			"window", len(sorted),
		)
	}
	e.threshold = next
	e.window = e.window[:0]
}

// Evaluate applies the DGA rule to a feature vector. High entropy combined
// with heavy digit content reads as machine-generated; high entropy alone
// is merely suspicious.
func (e *Engine) Evaluate(f model.FeatureVector) Result {
	threshold := e.Threshold()
	if f.Entropy < threshold {
		return Result{}
	}
	if f.DigitRatio >= digitRatioThreshold {
		return Result{
			Conclusive: true,
			Risk:       model.RiskHigh,
			Category:   model.CategoryMalware,
			Summary: fmt.Sprintf("DGA-like name: entropy %.2f over threshold %.2f with digit ratio %.2f",
				f.Entropy, threshold, f.DigitRatio),
		}
	}
	return Result{
		Conclusive: true,
		Risk:       model.RiskMedium,
		Category:   model.CategoryUnknown,
		Summary: fmt.Sprintf("high-entropy name: entropy %.2f over threshold %.2f",
			f.Entropy, threshold),
	}
}
