// Package reasoning calls the remote reasoning service for domains that
// exhausted the local tiers, behind a circuit breaker so sustained failure
// never stalls the pipeline.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// errRejected marks a 4xx response other than 429: the service refused this
// request (bad key, bad payload) but is up, so the breaker's trip budget is
// not consumed.
var errRejected = errors.New("reasoning: request rejected")

// requestTimeout bounds one reasoning call. Counted as a breaker failure
// when exceeded.
const requestTimeout = 10 * time.Second

// Request is the feature bundle sent with a domain. Context is the optional
// caller-supplied note from manual requests.
type Request struct {
	Domain       string        `json:"domain"`
	Features     FeatureBundle `json:"features"`
	Upstream     *model.UpstreamMeta
	Context      string
	AnomalyHint  bool
	ManualSource bool
}

// FeatureBundle is the compact statistical summary included in the prompt.
type FeatureBundle struct {
	Entropy      float64 `json:"entropy"`
	DigitRatio   float64 `json:"digit_ratio"`
	VowelRatio   float64 `json:"vowel_ratio"`
	Length       float64 `json:"length"`
	AnomalyScore float64 `json:"anomaly_score"`
}

// Assessment is a validated reasoning response mapped onto pipeline types.
type Assessment struct {
	Risk              model.Risk
	Category          string
	Explanation       string
	RecommendedAction string
}

// wire types for the reasoning API.
type apiRequest struct {
	Domain   string              `json:"domain"`
	Features FeatureBundle       `json:"features"`
	Upstream *model.UpstreamMeta `json:"upstream,omitempty"`
	Context  string              `json:"context,omitempty"`
}

type apiResponse struct {
	RiskScore         int    `json:"risk_score"`
	Category          string `json:"category"`
	Explanation       string `json:"explanation"`
	RecommendedAction string `json:"recommended_action"`
}

// categoryMap translates the reasoning API's category enum onto verdict
// categories. Anything else is a schema violation.
var categoryMap = map[string]string{
	"Ad":      model.CategoryAdvertising,
	"Tracker": model.CategoryTracker,
	"Malware": model.CategoryMalware,
	"Unknown": model.CategoryUnknown,
}

// architecturalKeywords trigger the full system preamble instead of the
// compact analysis prompt. Cost shaping only; never affects correctness.
var architecturalKeywords = []string{
	"architecture", "design", "topology", "pipeline", "how does", "how do",
	"why", "explain the system", "overview",
}

// systemPreamble is sent only for architectural questions.
const systemPreamble = "You are the analyst for a local DNS threat-detection service. " +
	"It polls a DNS sinkhole log, deduplicates domains, and classifies each through " +
	"cache, learned-signature, heuristic, and anomaly tiers before consulting you. " +
	"Answer questions about this system's behavior as well as the domain under analysis."

// compactPreamble is the default analysis prompt.
const compactPreamble = "Classify the DNS domain below using its statistical features. " +
	"Respond with the JSON schema only."

// Client calls the reasoning API. A nil Client (unconfigured) reads as a
// permanently open tier to the orchestrator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *Breaker
	logger     *slog.Logger
}

// NewClient creates a reasoning client with its own circuit breaker.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    NewBreaker(logger),
		logger:     logger.With("component", "reasoning"),
	}
}

// Breaker exposes the circuit breaker for routing decisions and stats.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Available reports whether the tier would currently admit a call.
func (c *Client) Available() bool {
	if c == nil {
		return false
	}
	return c.breaker.Available()
}

// Analyze runs one reasoning call. Breaker-refused calls return
// ErrBreakerOpen without touching the network. Transport errors, 429/5xx
// statuses, and schema violations count as breaker failures; other 4xx
// responses return an error without consuming the trip budget.
func (c *Client) Analyze(ctx context.Context, req Request) (Assessment, error) {
	if c == nil {
		return Assessment{}, ErrBreakerOpen
	}
	if err := c.breaker.Allow(); err != nil {
		return Assessment{}, err
	}

	assessment, err := c.call(ctx, req)
	if err != nil {
		if !errors.Is(err, errRejected) {
			c.breaker.RecordFailure()
		}
		return Assessment{}, err
	}
	c.breaker.RecordSuccess()
	return assessment, nil
}

func (c *Client) call(ctx context.Context, req Request) (Assessment, error) {
	preamble := compactPreamble
	if isArchitecturalQuestion(req.Context) {
		preamble = systemPreamble
	}
	prompt := preamble
	if req.Context != "" {
		prompt += "\n\n" + req.Context
	}
	if req.AnomalyHint {
		prompt += "\n\nThe local anomaly model flagged this domain as an outlier."
	}

	body, err := json.Marshal(apiRequest{
		Domain:   req.Domain,
		Features: req.Features,
		Upstream: req.Upstream,
		Context:  prompt,
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("reasoning: marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return Assessment{}, fmt.Errorf("reasoning: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Assessment{}, fmt.Errorf("reasoning: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Assessment{}, fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, string(excerpt))
		}
		return Assessment{}, fmt.Errorf("reasoning: status %d: %s", resp.StatusCode, string(excerpt))
	}

	var raw apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Assessment{}, fmt.Errorf("reasoning: decode response: %w", err)
	}
	return validate(raw)
}

// validate enforces the response schema. A violation is a permanent
// external error and counts against the breaker.
func validate(raw apiResponse) (Assessment, error) {
	if raw.RiskScore < 1 || raw.RiskScore > 10 {
		return Assessment{}, fmt.Errorf("reasoning: schema violation: risk_score %d outside 1..10", raw.RiskScore)
	}
	category, ok := categoryMap[raw.Category]
	if !ok {
		return Assessment{}, fmt.Errorf("reasoning: schema violation: unknown category %q", raw.Category)
	}
	return Assessment{
		Risk:              model.RiskFromScore(raw.RiskScore),
		Category:          category,
		Explanation:       raw.Explanation,
		RecommendedAction: raw.RecommendedAction,
	}, nil
}

// isArchitecturalQuestion is a lightweight keyword check deciding whether
// the caller's note warrants the full system preamble.
func isArchitecturalQuestion(context string) bool {
	if context == "" {
		return false
	}
	lower := strings.ToLower(context)
	for _, kw := range architecturalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
