package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sabaki/internal/model"
)

func TestClientAnalyzeMapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/analyze", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "xj2k9.example.net", req.Domain)
		assert.NotEmpty(t, req.Context, "prompt preamble must be present")

		_ = json.NewEncoder(w).Encode(apiResponse{
			RiskScore:         8,
			Category:          "Malware",
			Explanation:       "random-looking label consistent with a DGA",
			RecommendedAction: "block",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", testLogger())
	got, err := c.Analyze(context.Background(), Request{
		Domain:   "xj2k9.example.net",
		Features: FeatureBundle{Entropy: 4.2, DigitRatio: 0.4},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RiskHigh, got.Risk)
	assert.Equal(t, model.CategoryMalware, got.Category)
	assert.Equal(t, "block", got.RecommendedAction)
	assert.Equal(t, StateClosed, c.Breaker().State())
}

func TestClientSchemaViolationCountsAsFailure(t *testing.T) {
	cases := []apiResponse{
		{RiskScore: 0, Category: "Malware"},
		{RiskScore: 11, Category: "Tracker"},
		{RiskScore: 5, Category: "Botnet"},
	}
	for _, bad := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(bad)
		}))
		c := NewClient(srv.URL, "k", testLogger())
		_, err := c.Analyze(context.Background(), Request{Domain: "a.example"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema violation")
		srv.Close()
	}
}

func TestClientTripsAndStopsCallingNetwork(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", testLogger())
	for i := 0; i < tripFailures; i++ {
		_, err := c.Analyze(context.Background(), Request{Domain: "a.example"})
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, c.Breaker().State())
	require.Equal(t, int64(tripFailures), calls.Load())

	// While open, calls fail fast without reaching the server.
	for i := 0; i < 3; i++ {
		_, err := c.Analyze(context.Background(), Request{Domain: "a.example"})
		assert.ErrorIs(t, err, ErrBreakerOpen)
	}
	assert.Equal(t, int64(tripFailures), calls.Load())
}

func TestClientAuthFailureDoesNotTrip(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", testLogger())
	for i := 0; i < tripFailures+2; i++ {
		_, err := c.Analyze(context.Background(), Request{Domain: "a.example"})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, c.Breaker().State(),
		"rejected requests must not consume the trip budget")
	assert.Equal(t, int64(tripFailures+2), calls.Load(), "calls keep reaching the service")
}

func TestClientRateLimitCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", testLogger())
	for i := 0; i < tripFailures; i++ {
		_, err := c.Analyze(context.Background(), Request{Domain: "a.example"})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, c.Breaker().State())
}

func TestClientProbeRecoversAfterCooldown(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(apiResponse{RiskScore: 2, Category: "Ad", Explanation: "ad network"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", testLogger())
	clk := &testClock{t: c.breaker.now()}
	c.breaker.now = clk.now

	for i := 0; i < tripFailures; i++ {
		_, _ = c.Analyze(context.Background(), Request{Domain: "a.example"})
	}
	require.Equal(t, StateOpen, c.Breaker().State())

	fail.Store(false)
	clk.advance(31 * time.Second)
	got, err := c.Analyze(context.Background(), Request{Domain: "a.example"})
	require.NoError(t, err)
	assert.Equal(t, model.RiskLow, got.Risk)
	assert.Equal(t, model.CategoryAdvertising, got.Category)
	assert.Equal(t, StateClosed, c.Breaker().State())
}

func TestNilClientIsUnavailable(t *testing.T) {
	var c *Client
	assert.False(t, c.Available())
	_, err := c.Analyze(context.Background(), Request{Domain: "a.example"})
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestArchitecturalContextSelectsPreamble(t *testing.T) {
	var gotContext string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotContext = req.Context
		_ = json.NewEncoder(w).Encode(apiResponse{RiskScore: 1, Category: "Unknown"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", testLogger())

	_, err := c.Analyze(context.Background(), Request{Domain: "a.example", Context: "why does this keep resolving?"})
	require.NoError(t, err)
	assert.Contains(t, gotContext, "analyst for a local DNS threat-detection service")

	_, err = c.Analyze(context.Background(), Request{Domain: "a.example", Context: "seen on the guest vlan"})
	require.NoError(t, err)
	assert.Contains(t, gotContext, "Classify the DNS domain")
	assert.Contains(t, gotContext, "seen on the guest vlan")
}
