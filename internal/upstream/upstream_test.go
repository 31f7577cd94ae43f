package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sabaki/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const sampleQuerylog = `{
  "data": [
    {
      "question": {"name": "Ads.Example.COM."},
      "time": "2026-08-25T10:00:02.5Z",
      "reason": "FilteredBlackList",
      "rule": "||ads.example.com^",
      "filter_id": 2,
      "client": "192.168.1.20"
    },
    {
      "question": {"name": "printer.local."},
      "time": "2026-08-25T10:00:01Z",
      "reason": "NotFilteredNotFound"
    },
    {
      "question": {"name": "example.org"},
      "time": "2026-08-25T10:00:00Z",
      "reason": "NotFilteredNotFound",
      "client": "192.168.1.21"
    }
  ]
}`

func TestClientFetchParsesAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/control/querylog", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "hunter2", pass)
		_, _ = w.Write([]byte(sampleQuerylog))
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL}, "admin", "hunter2", time.Second, testLogger())
	events, err := c.Fetch(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "ads.example.com", events[0].Domain, "names are lowercased with the trailing dot stripped")
	assert.Equal(t, "FilteredBlackList", events[0].Reason)
	assert.Equal(t, int64(2), events[0].FilterID)
	assert.Equal(t, "printer.local", events[1].Domain)
}

func TestClientFailoverRemembersLastSuccess(t *testing.T) {
	var goodCalls atomic.Int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodCalls.Add(1)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer good.Close()

	c := NewClient([]string{bad.URL, good.URL}, "", "", time.Second, testLogger())

	_, err := c.Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, c.preferred, "the winning candidate becomes preferred")

	// The next fetch goes straight to the survivor.
	_, err = c.Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), goodCalls.Load())
}

func TestClientAllCandidatesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL, srv.URL}, "", "", time.Second, testLogger())
	_, err := c.Fetch(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all candidates failed")
}

func TestClientMalformedPayloadDropsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": "not a list"`))
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL}, "", "", time.Second, testLogger())
	_, err := c.Fetch(context.Background(), 10)
	require.Error(t, err)
}

func TestClientSkipsUnusableEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"question":{"name":""},"time":"2026-08-25T10:00:00Z"},
			{"question":{"name":"ok.example.com"},"time":"not a time"},
			{"question":{"name":"ok.example.com"},"time":"2026-08-25T10:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL}, "", "", time.Second, testLogger())
	events, err := c.Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok.example.com", events[0].Domain)
}

// fakeSink collects enqueued events and can simulate saturation.
type fakeSink struct {
	events    []model.UpstreamEvent
	saturated bool
}

func (s *fakeSink) accept(ev model.UpstreamEvent) bool {
	if s.saturated {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func newTestPoller(t *testing.T, body string, sink *fakeSink) *Poller {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c := NewClient([]string{srv.URL}, "", "", time.Second, testLogger())
	return NewPoller(c, 5*time.Second, 100, sink.accept, testLogger())
}

func TestPollerHighWaterMarkMonotonic(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(t, sampleQuerylog, sink)

	p.tick(context.Background())
	require.Len(t, sink.events, 2, "housekeeping .local name is skipped")
	mark := p.HighWater()
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 2, 500000000, time.UTC), mark)

	// The same batch again is entirely at or below the mark.
	p.tick(context.Background())
	assert.Len(t, sink.events, 2)
	assert.Equal(t, mark, p.HighWater())

	_, _, skipped := p.Stats()
	assert.Equal(t, int64(3), skipped)
}

func TestPollerSkipsHousekeepingButAdvancesMark(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(t, `{"data":[
		{"question":{"name":"router.local."},"time":"2026-08-25T11:00:00Z"}
	]}`, sink)

	p.tick(context.Background())
	assert.Empty(t, sink.events)
	assert.Equal(t, time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC), p.HighWater())
}

func TestPollerShedsWhenSaturated(t *testing.T) {
	sink := &fakeSink{saturated: true}
	p := newTestPoller(t, sampleQuerylog, sink)

	p.tick(context.Background())
	assert.Empty(t, sink.events)

	enqueued, dropped, _ := p.Stats()
	assert.Equal(t, int64(0), enqueued)
	assert.Equal(t, int64(2), dropped)

	// Shed events are not retried: the mark advanced past them.
	sink.saturated = false
	p.tick(context.Background())
	assert.Empty(t, sink.events)
}

func TestPollerFetchFailureAbandonsTick(t *testing.T) {
	sink := &fakeSink{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewClient([]string{srv.URL}, "", "", time.Second, testLogger())
	p := NewPoller(c, 5*time.Second, 100, sink.accept, testLogger())

	p.tick(context.Background())
	assert.Empty(t, sink.events)
	assert.True(t, p.HighWater().IsZero())
}

func TestPollerStartDrain(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(t, `{"data":[]}`, sink)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Start(ctx) // logged no-op
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	p.Drain(drainCtx)
}
