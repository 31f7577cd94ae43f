package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sabaki/internal/anomaly"
	"github.com/ashita-ai/sabaki/internal/cache"
	"github.com/ashita-ai/sabaki/internal/dedup"
	"github.com/ashita-ai/sabaki/internal/heuristics"
	"github.com/ashita-ai/sabaki/internal/model"
	"github.com/ashita-ai/sabaki/internal/pipeline"
	"github.com/ashita-ai/sabaki/internal/signature"
)

// dgaDomain classifies at the heuristic tier, so tests get a deterministic
// verdict without a reasoning backend.
const dgaDomain = "x7k2m9q4z1w8v3.ru"

func newTestServer(t *testing.T) (*Server, *Broker) {
	t.Helper()
	logger := testLogger()

	c := cache.New(cache.Config{
		MemoryCapacity: 100,
		MemoryTTL:      time.Minute,
		DiskPath:       filepath.Join(t.TempDir(), "verdicts.cache"),
	}, logger)
	t.Cleanup(c.Close)

	store := signature.NewStore("", logger)
	broker := NewBroker(logger)
	p := pipeline.New(pipeline.Deps{
		Dedup:      dedup.NewWindow(logger, 100),
		Cache:      c,
		Classifier: signature.NewClassifier(store, 0),
		Store:      store,
		Learner:    signature.NewLearner(store, logger),
		Heuristics: heuristics.NewEngine(logger),
		Anomaly:    anomaly.NewEngine(logger),
		Publish:    broker.Publish,
	}, pipeline.Config{Workers: 2}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
		p.Drain(drainCtx)
	})

	handlers := NewHandlers(p, broker, logger, "test")
	return New(Config{Port: 0, Version: "test"}, handlers, logger), broker
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	envelope := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return rec, envelope
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, envelope := doJSON(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(envelope["data"], &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "disabled", health.Reasoning)
	assert.Equal(t, "ok", health.QueueStatus)
}

func TestHealthStaysHealthyAsHistoryFills(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	// A long stretch of ordinary traffic fills the history ring to capacity
	// and keeps it there. That is steady state, not backpressure.
	for i := 0; i < 160; i++ {
		rec, _ := doJSON(t, h, http.MethodPost, "/analyze",
			fmt.Sprintf(`{"domain":"host-%d.example.com"}`, i))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, envelope := doJSON(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(envelope["data"], &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.QueueStatus)
	assert.Equal(t, 0, health.QueueDepth, "idle workers leave the polled queue empty")
}

func TestAnalyzeValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"unknown field", `{"domain":"a.example","bogus":true}`},
		{"missing domain", `{"context":"hi"}`},
		{"invalid domain", `{"domain":"not a domain!!"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, envelope := doJSON(t, s.Handler(), http.MethodPost, "/analyze", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var detail model.ErrorDetail
			require.NoError(t, json.Unmarshal(envelope["error"], &detail))
			assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
		})
	}
}

func TestAnalyzeReturnsVerdict(t *testing.T) {
	s, _ := newTestServer(t)
	rec, envelope := doJSON(t, s.Handler(), http.MethodPost, "/analyze", `{"domain":"`+dgaDomain+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var v model.Verdict
	require.NoError(t, json.Unmarshal(envelope["data"], &v))
	assert.Equal(t, dgaDomain, v.Domain)
	assert.Equal(t, model.SourceHeuristic, v.Source)
	assert.Equal(t, model.CategoryMalware, v.Category)
	assert.True(t, v.Manual)
}

func TestHistoryAfterAnalyze(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s.Handler(), http.MethodPost, "/analyze", `{"domain":"`+dgaDomain+`"}`)

	rec, envelope := doJSON(t, s.Handler(), http.MethodGet, "/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var verdicts []model.Verdict
	require.NoError(t, json.Unmarshal(envelope["data"], &verdicts))
	require.Len(t, verdicts, 1)
	assert.Equal(t, dgaDomain, verdicts[0].Domain)

	rec, envelope = doJSON(t, s.Handler(), http.MethodGet, "/manual-history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(envelope["data"], &verdicts))
	require.Len(t, verdicts, 1)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	s, _ := newTestServer(t)
	for _, limit := range []string{"abc", "0", "-5"} {
		rec, envelope := doJSON(t, s.Handler(), http.MethodGet, "/history?limit="+limit, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var detail model.ErrorDetail
		require.NoError(t, json.Unmarshal(envelope["error"], &detail))
		assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
	}
}

func TestSystemStats(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s.Handler(), http.MethodPost, "/analyze", `{"domain":"`+dgaDomain+`"}`)

	rec, envelope := doJSON(t, s.Handler(), http.MethodGet, "/api/stats/system", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats model.SystemStats
	require.NoError(t, json.Unmarshal(envelope["data"], &stats))
	assert.Equal(t, int64(1), stats.TotalDecisions)
	assert.Equal(t, int64(1), stats.LocalDecisions)
	assert.InDelta(t, 1.0, stats.AutonomyScore, 1e-9)
}

func TestEventsStreamsCommittedVerdicts(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Commit a verdict once the subscriber is attached.
	doJSON(t, s.Handler(), http.MethodPost, "/analyze", `{"domain":"`+dgaDomain+`"}`)

	scanner := bufio.NewScanner(resp.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, dataLine)

	var v model.Verdict
	require.NoError(t, json.Unmarshal([]byte(dataLine), &v))
	assert.Equal(t, dgaDomain, v.Domain)
}

func TestUnknownRouteReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
