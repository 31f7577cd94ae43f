package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// mirrorSchema mirrors the remote ledger columns. decided_at is stored as
// ISO-8601 UTC text so the (decided_at, domain) key compares bytewise.
const mirrorSchema = `
CREATE TABLE IF NOT EXISTS verdicts (
    decided_at      TEXT    NOT NULL,
    domain          TEXT    NOT NULL,
    risk            TEXT    NOT NULL,
    category        TEXT    NOT NULL,
    summary         TEXT    NOT NULL DEFAULT '',
    upstream_reason TEXT    NOT NULL DEFAULT '',
    upstream_rule   TEXT    NOT NULL DEFAULT '',
    is_anomaly      INTEGER NOT NULL DEFAULT 0,
    anomaly_score   REAL    NOT NULL DEFAULT 0,
    entropy         REAL    NOT NULL DEFAULT 0,
    PRIMARY KEY (decided_at, domain)
);
CREATE INDEX IF NOT EXISTS idx_verdicts_decided_at ON verdicts (decided_at DESC);
`

// Mirror is the local SQLite copy of the ledger. Always on; it is what
// serves /history after a restart empties the in-memory buffer.
type Mirror struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenMirror opens (creating if needed) the SQLite mirror at path.
func OpenMirror(path string, logger *slog.Logger) (*Mirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open mirror: %w", err)
	}
	// modernc's driver serializes at the connection level; a single
	// connection avoids SQLITE_BUSY between the writer and history reads.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ledger: mirror pragma: %w", err)
		}
	}
	if _, err := db.Exec(mirrorSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: mirror schema: %w", err)
	}
	return &Mirror{db: db, logger: logger.With("component", "ledger-mirror")}, nil
}

// InsertBatch appends rows in one transaction. Duplicate (decided_at,
// domain) keys are ignored, making replays idempotent.
func (m *Mirror) InsertBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: mirror begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO verdicts
		(decided_at, domain, risk, category, summary, upstream_reason, upstream_rule, is_anomaly, anomaly_score, entropy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("ledger: mirror prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.DecidedAt.Format(time.RFC3339Nano), r.Domain, r.Risk, r.Category, r.Summary,
			r.UpstreamReason, r.UpstreamRule, r.IsAnomaly, r.AnomalyScore, r.Entropy,
		); err != nil {
			return fmt.Errorf("ledger: mirror insert %s: %w", r.Domain, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: mirror commit: %w", err)
	}
	return nil
}

// Recent returns the newest rows, newest first.
func (m *Mirror) Recent(ctx context.Context, limit int) ([]Row, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT decided_at, domain, risk, category, summary, upstream_reason, upstream_rule, is_anomaly, anomaly_score, entropy
		FROM verdicts ORDER BY decided_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: mirror query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var decidedAt string
		if err := rows.Scan(&decidedAt, &r.Domain, &r.Risk, &r.Category, &r.Summary,
			&r.UpstreamReason, &r.UpstreamRule, &r.IsAnomaly, &r.AnomalyScore, &r.Entropy); err != nil {
			return nil, fmt.Errorf("ledger: mirror scan: %w", err)
		}
		if r.DecidedAt, err = time.Parse(time.RFC3339Nano, decidedAt); err != nil {
			m.logger.Error("mirror row with unparseable decided_at", "value", decidedAt, "domain", r.Domain)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: mirror rows: %w", err)
	}
	return out, nil
}

// Count returns the number of stored rows.
func (m *Mirror) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verdicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: mirror count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (m *Mirror) Close() error {
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("ledger: close mirror: %w", err)
	}
	return nil
}
