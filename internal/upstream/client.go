// Package upstream polls the DNS sinkhole's query log and feeds new
// resolutions into the analysis pipeline.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// Client fetches query-log batches from the sinkhole. It walks a
// prioritized URL list (primary, host-gateway alternate, loopback) and
// remembers the last candidate that answered, trying it first next tick.
type Client struct {
	urls       []string
	user, pass string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	preferred int
}

// NewClient creates a query-log client over the given candidate URLs.
func NewClient(urls []string, user, pass string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		urls:       urls,
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "upstream"),
	}
}

// query-log wire format.
type querylogResponse struct {
	Data []querylogEntry `json:"data"`
}

type querylogEntry struct {
	Question struct {
		Name string `json:"name"`
	} `json:"question"`
	Time     string `json:"time"`
	Reason   string `json:"reason"`
	Rule     string `json:"rule"`
	FilterID int64  `json:"filter_id"`
	Client   string `json:"client"`
}

// Fetch retrieves one query-log batch. Candidates are tried in order
// starting from the last success; the first that answers wins. All
// candidates failing returns the last error.
func (c *Client) Fetch(ctx context.Context, limit int) ([]model.UpstreamEvent, error) {
	c.mu.Lock()
	start := c.preferred
	c.mu.Unlock()

	var lastErr error
	for i := range c.urls {
		idx := (start + i) % len(c.urls)
		events, err := c.fetchFrom(ctx, c.urls[idx], limit)
		if err != nil {
			c.logger.Warn("query log candidate failed", "url", c.urls[idx], "error", err)
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.preferred = idx
		c.mu.Unlock()
		return events, nil
	}
	return nil, fmt.Errorf("upstream: all candidates failed: %w", lastErr)
}

func (c *Client) fetchFrom(ctx context.Context, base string, limit int) ([]model.UpstreamEvent, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	u = u.JoinPath("control", "querylog")
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream: status %d: %s", resp.StatusCode, string(excerpt))
	}

	var payload querylogResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("upstream: decode query log: %w", err)
	}

	events := make([]model.UpstreamEvent, 0, len(payload.Data))
	for _, entry := range payload.Data {
		ev, ok := c.toEvent(entry)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// toEvent converts one log entry, dropping entries whose name or timestamp
// is unusable. A bad entry is logged and skipped rather than failing the
// whole batch.
func (c *Client) toEvent(entry querylogEntry) (model.UpstreamEvent, bool) {
	domain, err := model.NormalizeDomain(entry.Question.Name)
	if err != nil {
		c.logger.Debug("skipping unparseable query log name", "name", entry.Question.Name, "error", err)
		return model.UpstreamEvent{}, false
	}
	answeredAt, err := time.Parse(time.RFC3339Nano, entry.Time)
	if err != nil {
		c.logger.Debug("skipping query log entry with bad timestamp", "time", entry.Time, "error", err)
		return model.UpstreamEvent{}, false
	}
	return model.UpstreamEvent{
		Domain:     domain,
		AnsweredAt: answeredAt.UTC(),
		Reason:     entry.Reason,
		Rule:       entry.Rule,
		FilterID:   entry.FilterID,
		Client:     entry.Client,
	}, true
}
