package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
	"github.com/ashita-ai/sabaki/internal/pipeline"
)

const (
	// defaultHistoryLimit is both the default and the cap for GET /history.
	defaultHistoryLimit = 200

	sseKeepalive = 15 * time.Second
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	pipeline  *pipeline.Pipeline
	broker    *Broker
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(p *pipeline.Pipeline, broker *Broker, logger *slog.Logger, version string) *Handlers {
	return &Handlers{
		pipeline:  p,
		broker:    broker,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

// HandleHistory serves GET /history?limit=N: the most recent committed
// verdicts, newest first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	verdicts, err := h.pipeline.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("history read failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "history unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, verdicts)
}

// HandleManualHistory serves GET /manual-history: verdicts requested through
// POST /analyze during this session, newest first.
func (h *Handlers) HandleManualHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.pipeline.ManualHistory())
}

// HandleAnalyze serves POST /analyze. This is the only user-facing failure
// surface: validation errors return 400, everything else returns 200 with a
// verdict, degraded to source=Fallback when analysis could not complete.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req model.AnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "domain is required")
		return
	}

	verdict, err := h.pipeline.Analyze(r.Context(), req.Domain, req.Context)
	if err != nil {
		// Analyze only errors on validation; anything downstream already
		// degraded into a Fallback verdict.
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, verdict)
}

// HandleSystemStats serves GET /api/stats/system.
func (h *Handlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.pipeline.Stats())
}

// HandleEvents serves GET /events: the SSE verdict stream. Verdicts arrive
// in commit order, newest last.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	// ResponseController reaches the flusher through the middleware's
	// statusWriter wrapper.
	rc := http.NewResponseController(w)

	// Subscribe before the headers go out so a client that has seen the 200
	// cannot miss a verdict committed right after.
	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		// Transport cannot stream; nothing useful left to send.
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event := <-ch:
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth serves GET /health: liveness plus a component snapshot.
// Pressure is read from the polled work queue, which drains in normal
// operation; sustained depth means the workers cannot keep up.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	// Queue pressure: >50% capacity = high, >75% capacity = critical.
	depth := h.pipeline.QueueDepth()
	capacity := h.pipeline.QueueCapacity()
	queueStatus := "ok"
	status := "healthy"
	if depth > capacity*3/4 {
		queueStatus = "critical"
		status = "degraded"
	} else if depth > capacity/2 {
		queueStatus = "high"
	}

	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Reasoning:   h.pipeline.ReasoningState(),
		QueueDepth:  depth,
		QueueStatus: queueStatus,
		Subscribers: h.broker.Subscribers(),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	})
}
