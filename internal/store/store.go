// Package store persists pipeline runs, their transition history and
// escalation snapshots in SQLite or PostgreSQL.
//
// Every query is scoped by tenant id. A run's row and its transition record
// are written in one transaction, so the persisted history of a run is a
// single ordered sequence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/foundry/internal/models"
)

// ErrNotFound is returned by updates that match no row for the tenant.
var ErrNotFound = errors.New("record not found")

// RunStore is the persistence contract used by the orchestrator and the
// escalation manager. Lookups return (nil, nil) when nothing matches.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	SaveRun(ctx context.Context, run *models.PipelineRun, t *models.Transition) error
	GetRun(ctx context.Context, tenantID, runID string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, tenantID string, states ...models.RunState) ([]*models.PipelineRun, error)
	ListTransitions(ctx context.Context, tenantID, runID string) ([]models.Transition, error)

	SaveSnapshot(ctx context.Context, snap *models.EscalationSnapshot) error
	GetSnapshot(ctx context.Context, tenantID, id string) (*models.EscalationSnapshot, error)
	GetSnapshotByRun(ctx context.Context, tenantID, runID string) (*models.EscalationSnapshot, error)
	ListSnapshots(ctx context.Context, tenantID string, status models.SnapshotStatus) ([]*models.EscalationSnapshot, error)
	ResolveSnapshot(ctx context.Context, tenantID, id string, at time.Time) error

	Close() error
}

// Store implements RunStore on database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

var _ RunStore = (*Store)(nil)

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return rebind(s.driver, query)
}

const runColumns = `id, tenant_id, feature_request, state, iteration_count, max_iterations,
	error_log, plan, artifact, snapshot_id, sandbox_attempts, created_at, updated_at`

// CreateRun inserts a new run. The id must be unused.
func (s *Store) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	vals, err := runValues(run)
	if err != nil {
		return err
	}
	query := `INSERT INTO pipeline_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), vals...); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// SaveRun writes the run's current state and, when t is non-nil, appends t to
// the run's history with the next sequence number, in one transaction.
// Returns ErrNotFound if the run does not exist for run.TenantID.
func (s *Store) SaveRun(ctx context.Context, run *models.PipelineRun, t *models.Transition) error {
	vals, err := runValues(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// vals[0] is id, vals[1] tenant_id; the remaining columns are updated.
	update := `UPDATE pipeline_runs SET feature_request = ?, state = ?, iteration_count = ?, max_iterations = ?,
		error_log = ?, plan = ?, artifact = ?, snapshot_id = ?, sandbox_attempts = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`
	args := append(append([]any{}, vals[2:]...), vals[0], vals[1])
	res, err := tx.ExecContext(ctx, s.rebind(update), args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s for tenant %s: %w", run.ID, run.TenantID, ErrNotFound)
	}

	if t != nil {
		var seq int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_transitions WHERE run_id = ?`),
			run.ID).Scan(&seq); err != nil {
			return fmt.Errorf("next transition seq: %w", err)
		}
		t.RunID = run.ID
		t.Seq = seq
		if t.At.IsZero() {
			t.At = run.UpdatedAt
		}
		insert := `INSERT INTO run_transitions (run_id, tenant_id, seq, from_state, to_state, iteration, note, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, s.rebind(insert),
			run.ID, run.TenantID, t.Seq, string(t.From), string(t.To), t.Iteration, nullString(t.Note), formatTime(t.At)); err != nil {
			return fmt.Errorf("append transition %d for run %s: %w", seq, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with runID owned by tenantID.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*models.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = ? AND tenant_id = ?`
	run, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(query), runID, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the tenant's runs, oldest first, optionally filtered by state.
func (s *Store) ListRuns(ctx context.Context, tenantID string, states ...models.RunState) ([]*models.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE tenant_id = ?`
	args := []any{tenantID}
	if len(states) > 0 {
		query += ` AND state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListTransitions returns a run's history in sequence order.
func (s *Store) ListTransitions(ctx context.Context, tenantID, runID string) ([]models.Transition, error) {
	query := `SELECT run_id, seq, from_state, to_state, iteration, note, at FROM run_transitions
		WHERE run_id = ? AND tenant_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var (
			t        models.Transition
			from, to string
			note     sql.NullString
			at       string
		)
		if err := rows.Scan(&t.RunID, &t.Seq, &from, &to, &t.Iteration, &note, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = models.RunState(from)
		t.To = models.RunState(to)
		t.Note = note.String
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const snapshotColumns = `id, run_id, tenant_id, sequence, storage_location, descriptor, resumable_handle,
	baseline_digest, baseline_commit, status, created_at, resolved_at`

// SaveSnapshot inserts a snapshot record. Reusing a run's sequence number
// violates the unique (run_id, sequence) constraint.
func (s *Store) SaveSnapshot(ctx context.Context, snap *models.EscalationSnapshot) error {
	descriptor, err := json.Marshal(snap.Descriptor)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	var resolvedAt any
	if snap.ResolvedAt != nil {
		resolvedAt = formatTime(*snap.ResolvedAt)
	}
	query := `INSERT INTO escalation_snapshots (` + snapshotColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, s.rebind(query),
		snap.ID, snap.RunID, snap.TenantID, snap.Sequence, snap.StorageLocation, string(descriptor), snap.ResumableHandle,
		snap.BaselineDigest, nullString(snap.BaselineCommit), string(snap.Status), formatTime(snap.CreatedAt), resolvedAt,
	); err != nil {
		return fmt.Errorf("insert snapshot for run %s: %w", snap.RunID, err)
	}
	return nil
}

// GetSnapshot returns the snapshot with id owned by tenantID.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, id string) (*models.EscalationSnapshot, error) {
	return s.getSnapshot(ctx, `id = ?`, tenantID, id)
}

// GetSnapshotByRun returns the latest snapshot of runID owned by tenantID.
func (s *Store) GetSnapshotByRun(ctx context.Context, tenantID, runID string) (*models.EscalationSnapshot, error) {
	return s.getSnapshot(ctx, `run_id = ?`, tenantID, runID)
}

func (s *Store) getSnapshot(ctx context.Context, where, tenantID, key string) (*models.EscalationSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM escalation_snapshots WHERE ` + where + ` AND tenant_id = ?
	ORDER BY sequence DESC LIMIT 1`
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, s.rebind(query), key, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	return snap, nil
}

// ListSnapshots returns the tenant's snapshots, newest first. An empty status
// matches all.
func (s *Store) ListSnapshots(ctx context.Context, tenantID string, status models.SnapshotStatus) ([]*models.EscalationSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM escalation_snapshots WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, sequence DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.EscalationSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// ResolveSnapshot marks an open snapshot resolved. Resolving an already
// resolved snapshot is a no-op.
func (s *Store) ResolveSnapshot(ctx context.Context, tenantID, id string, at time.Time) error {
	query := `UPDATE escalation_snapshots SET status = ?, resolved_at = ? WHERE id = ? AND tenant_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		string(models.SnapshotResolved), formatTime(at), id, tenantID, string(models.SnapshotOpen))
	if err != nil {
		return fmt.Errorf("resolve snapshot %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		snap, err := s.GetSnapshot(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("snapshot %s for tenant %s: %w", id, tenantID, ErrNotFound)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func runValues(run *models.PipelineRun) ([]any, error) {
	request, err := json.Marshal(run.Request)
	if err != nil {
		return nil, fmt.Errorf("encode feature request: %w", err)
	}
	errorLog := run.ErrorLog
	if errorLog == nil {
		errorLog = []string{}
	}
	errLog, err := json.Marshal(errorLog)
	if err != nil {
		return nil, fmt.Errorf("encode error log: %w", err)
	}
	plan, err := nullJSON(run.Plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	artifact, err := nullJSON(run.Artifact)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return []any{
		run.ID, run.TenantID, string(request), string(run.State), run.Iteration, run.MaxIterations,
		string(errLog), plan, artifact, nullString(run.SnapshotID), run.SandboxAttempts,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	}, nil
}

func scanRun(row scanner) (*models.PipelineRun, error) {
	var (
		run                  models.PipelineRun
		request, state       string
		errLog               string
		plan, artifact, snap sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&run.ID, &run.TenantID, &request, &state, &run.Iteration, &run.MaxIterations,
		&errLog, &plan, &artifact, &snap, &run.SandboxAttempts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if run.State, err = models.ParseRunState(state); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &run.Request); err != nil {
		return nil, fmt.Errorf("decode feature request: %w", err)
	}
	if err := json.Unmarshal([]byte(errLog), &run.ErrorLog); err != nil {
		return nil, fmt.Errorf("decode error log: %w", err)
	}
	if plan.Valid {
		run.Plan = &models.ImplementationPlan{}
		if err := json.Unmarshal([]byte(plan.String), run.Plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	}
	if artifact.Valid {
		run.Artifact = &models.BuildArtifact{}
		if err := json.Unmarshal([]byte(artifact.String), run.Artifact); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
	}
	run.SnapshotID = snap.String
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanSnapshot(row scanner) (*models.EscalationSnapshot, error) {
	var (
		snap               models.EscalationSnapshot
		descriptor, status string
		commit, resolvedAt sql.NullString
		createdAt          string
	)
	if err := row.Scan(&snap.ID, &snap.RunID, &snap.TenantID, &snap.Sequence, &snap.StorageLocation, &descriptor,
		&snap.ResumableHandle, &snap.BaselineDigest, &commit, &status, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(descriptor), &snap.Descriptor); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	snap.BaselineCommit = commit.String
	snap.Status = models.SnapshotStatus(status)

	var err error
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		at, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		snap.ResolvedAt = &at
	}
	return &snap, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(v any) (any, error) {
	switch x := v.(type) {
	case *models.ImplementationPlan:
		if x == nil {
			return nil, nil
		}
	case *models.BuildArtifact:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
