package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/sabaki/internal/model"
)

// historyTTL caches mirror history reads; bursts of /history calls inside
// the window share one query.
const historyTTL = 30 * time.Second

// Config carries the ledger settings.
type Config struct {
	// DataDir holds the SQLite mirror (ledger.db).
	DataDir string
	// DSN enables the remote Postgres sink when non-empty.
	DSN   string
	Table string
}

// Ledger is the persistence layer for committed verdicts.
type Ledger struct {
	mirror *Mirror
	sink   *Sink
	writer *writer
	logger *slog.Logger

	flight  singleflight.Group
	histMu  sync.Mutex
	history map[int]cachedHistory
}

type cachedHistory struct {
	rows      []model.Verdict
	fetchedAt time.Time
}

// New opens the mirror (and the remote sink when configured) and builds
// the async writer over them. A missing DSN only disables the sink.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Ledger, error) {
	logger = logger.With("component", "ledger")

	mirror, err := OpenMirror(filepath.Join(cfg.DataDir, "ledger.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	targets := []namedTarget{{name: "mirror", t: mirror}}
	var sink *Sink
	if cfg.DSN != "" {
		sink, err = OpenSink(ctx, cfg.DSN, cfg.Table, logger)
		if err != nil {
			// The remote sink is best effort; the mirror alone keeps the
			// pipeline fully functional.
			logger.Warn("remote ledger sink unavailable, continuing with mirror only", "error", err)
		} else {
			targets = append(targets, namedTarget{name: "sink", t: sink})
		}
	} else {
		logger.Info("remote ledger sink disabled, no DSN configured")
	}

	return &Ledger{
		mirror:  mirror,
		sink:    sink,
		writer:  newWriter(logger, targets...),
		logger:  logger,
		history: make(map[int]cachedHistory),
	}, nil
}

// Start launches the async writer.
func (l *Ledger) Start(ctx context.Context) { l.writer.start(ctx) }

// Drain waits for the writer's final flush, then closes both stores.
func (l *Ledger) Drain(drainCtx context.Context) {
	l.writer.drain(drainCtx)
	if err := l.mirror.Close(); err != nil {
		l.logger.Warn("mirror close failed", "error", err)
	}
	if l.sink != nil {
		l.sink.Close()
	}
}

// Append queues one committed verdict for persistence. Never blocks.
func (l *Ledger) Append(v model.Verdict) {
	l.writer.enqueue(rowFromVerdict(v))
}

// History returns the newest committed verdicts from the mirror, newest
// first. Reads are cached for 30s and concurrent misses collapse into a
// single query.
func (l *Ledger) History(ctx context.Context, limit int) ([]model.Verdict, error) {
	l.histMu.Lock()
	if c, ok := l.history[limit]; ok && time.Since(c.fetchedAt) < historyTTL {
		l.histMu.Unlock()
		return c.rows, nil
	}
	l.histMu.Unlock()

	out, err, _ := l.flight.Do("history:"+strconv.Itoa(limit), func() (any, error) {
		rows, err := l.mirror.Recent(ctx, limit)
		if err != nil {
			return nil, err
		}
		verdicts := make([]model.Verdict, len(rows))
		for i, r := range rows {
			verdicts[i] = r.verdict()
		}
		l.histMu.Lock()
		l.history[limit] = cachedHistory{rows: verdicts, fetchedAt: time.Now()}
		l.histMu.Unlock()
		return verdicts, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]model.Verdict), nil
}

// Dropped returns the number of rows lost to queue overflow or exhausted
// retries.
func (l *Ledger) Dropped() int64 { return l.writer.dropped.Load() }

// Written returns the number of rows successfully flushed, summed over
// targets.
func (l *Ledger) Written() int64 { return l.writer.written.Load() }
