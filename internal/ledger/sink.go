package ledger

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/sabaki/migrations"
)

// Sink is the optional remote Postgres copy of the ledger.
type Sink struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// OpenSink connects to Postgres, runs the embedded migrations, and prepares
// the configured table. A non-default table name is cloned from the default
// schema.
func OpenSink(ctx context.Context, dsn, table string, logger *slog.Logger) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse sink DSN: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping sink: %w", err)
	}

	s := &Sink{pool: pool, table: table, logger: logger.With("component", "ledger-sink")}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}
	if table != "verdicts" {
		if _, err := pool.Exec(ctx,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (LIKE verdicts INCLUDING ALL)`, pgx.Identifier{table}.Sanitize()),
		); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ledger: create table %s: %w", table, err)
		}
	}
	return s, nil
}

// migrate executes unapplied SQL migration files in filename order, tracked
// in a schema_migrations table so each runs at most once.
func (s *Sink) migrate(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("ledger: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("ledger: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("ledger: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: read applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("ledger: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("ledger: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("ledger: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("ledger: record migration %s: %w", name, err)
		}
	}
	return nil
}

// InsertBatch appends rows in one batch. Conflicting keys are ignored.
func (s *Sink) InsertBatch(ctx context.Context, batch []Row) error {
	if len(batch) == 0 {
		return nil
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s
		(decided_at, domain, risk, category, summary, upstream_reason, upstream_rule, is_anomaly, anomaly_score, entropy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (decided_at, domain) DO NOTHING`, pgx.Identifier{s.table}.Sanitize())

	b := &pgx.Batch{}
	for _, r := range batch {
		b.Queue(insert,
			r.DecidedAt, r.Domain, r.Risk, r.Category, r.Summary,
			r.UpstreamReason, r.UpstreamRule, r.IsAnomaly, r.AnomalyScore, r.Entropy,
		)
	}
	results := s.pool.SendBatch(ctx, b)
	defer func() { _ = results.Close() }()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("ledger: sink insert: %w", err)
		}
	}
	return nil
}

// Recent returns the newest rows, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]Row, error) {
	query := fmt.Sprintf(`
		SELECT decided_at, domain, risk, category, summary, upstream_reason, upstream_rule, is_anomaly, anomaly_score, entropy
		FROM %s ORDER BY decided_at DESC LIMIT $1`, pgx.Identifier{s.table}.Sanitize())

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: sink query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.DecidedAt, &r.Domain, &r.Risk, &r.Category, &r.Summary,
			&r.UpstreamReason, &r.UpstreamRule, &r.IsAnomaly, &r.AnomalyScore, &r.Entropy); err != nil {
			return nil, fmt.Errorf("ledger: sink scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: sink rows: %w", err)
	}
	return out, nil
}

// Ping checks sink connectivity.
func (s *Sink) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close shuts down the connection pool.
func (s *Sink) Close() { s.pool.Close() }
