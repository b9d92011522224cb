package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all database migrations. The SQL is
// portable between SQLite and PostgreSQL; timestamps are RFC 3339 text and
// JSON documents are text.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Pipeline runs and their transition history",
		SQL: `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    feature_request TEXT NOT NULL,
    state TEXT NOT NULL,
    iteration_count INTEGER NOT NULL,
    max_iterations INTEGER NOT NULL,
    error_log TEXT NOT NULL,
    plan TEXT,
    artifact TEXT,
    snapshot_id TEXT,
    sandbox_attempts INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_tenant ON pipeline_runs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_state ON pipeline_runs(tenant_id, state);

CREATE TABLE IF NOT EXISTS run_transitions (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    note TEXT,
    at TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`,
	},
	{
		Version:     2,
		Description: "Escalation snapshots, one per escalation of a run",
		SQL: `
CREATE TABLE IF NOT EXISTS escalation_snapshots (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    storage_location TEXT NOT NULL,
    descriptor TEXT NOT NULL,
    resumable_handle TEXT NOT NULL,
    baseline_digest TEXT NOT NULL,
    baseline_commit TEXT,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    resolved_at TEXT,
    UNIQUE (run_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_escalation_snapshots_tenant ON escalation_snapshots(tenant_id, status);
`,
	},
}

// ApplyMigrations applies all pending migrations in a single transaction.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("query schema versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate versions: %w", err)
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		// One statement per Exec: the postgres driver rejects multi-statement strings.
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
			m.Version, formatTime(time.Now())); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// GetLatestVersion returns the latest applied migration version
func (s *Store) GetLatestVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return version, nil
}

func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
