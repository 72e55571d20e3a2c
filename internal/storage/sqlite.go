package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt field does not hide
// the rest of the run.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL so status readers never block the run writer
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT DEFAULT 'running',
		num_nodes INTEGER NOT NULL,
		num_transactions INTEGER NOT NULL,
		config TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS node_results (
		run_id TEXT NOT NULL,
		node_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		endpoint TEXT,
		peer_count INTEGER DEFAULT -1,
		last_status TEXT,
		queries INTEGER DEFAULT 0,
		confirmed_at DATETIME,
		sweep_success INTEGER DEFAULT 0,
		PRIMARY KEY (run_id, node_index),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Result columns arrived after the first schema; add them to older
	// databases in place.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "measure_start", "ALTER TABLE runs ADD COLUMN measure_start DATETIME"},
		{"runs", "measure_end", "ALTER TABLE runs ADD COLUMN measure_end DATETIME"},
		{"runs", "target_hash", "ALTER TABLE runs ADD COLUMN target_hash TEXT"},
		{"runs", "elapsed_ms", "ALTER TABLE runs ADD COLUMN elapsed_ms REAL DEFAULT 0"},
		{"runs", "tps", "ALTER TABLE runs ADD COLUMN tps REAL DEFAULT 0"},
		{"runs", "sweeps", "ALTER TABLE runs ADD COLUMN sweeps INTEGER DEFAULT 0"},
		{"runs", "submit_latency", "ALTER TABLE runs ADD COLUMN submit_latency TEXT"},
		// Failure reporting
		{"runs", "failed_stage", "ALTER TABLE runs ADD COLUMN failed_stage TEXT"},
		{"runs", "failure_kind", "ALTER TABLE runs ADD COLUMN failure_kind TEXT"},
		{"runs", "error_message", "ALTER TABLE runs ADD COLUMN error_message TEXT"},
		{"runs", "teardown_error", "ALTER TABLE runs ADD COLUMN teardown_error TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Table and column names are validated since they are interpolated.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier reports whether s only holds alphanumerics and underscores.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun records a run that has just started.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	var configJSON sql.NullString
	if run.Config != nil {
		data, err := json.Marshal(run.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		configJSON = nullString(string(data))
	}

	status := run.Status
	if status == "" {
		status = types.StatusRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, num_nodes, num_transactions, config)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, string(status), run.NumNodes, run.NumTransactions, configJSON)

	return err
}

// CompleteRun stores the final result of a run, together with its per-node
// results. A run that was never created is inserted.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, res *types.RunResult) error {
	var latencyJSON sql.NullString
	if res.SubmitLatency != nil {
		data, err := json.Marshal(res.SubmitLatency)
		if err != nil {
			return fmt.Errorf("failed to marshal submit latency: %w", err)
		}
		latencyJSON = nullString(string(data))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, num_nodes, num_transactions)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, res.ID, res.StartedAt, string(res.Status), res.NumNodes, res.NumTransactions)
	if err != nil {
		return fmt.Errorf("failed to ensure run row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			num_nodes = ?,
			num_transactions = ?,
			measure_start = ?,
			measure_end = ?,
			target_hash = ?,
			elapsed_ms = ?,
			tps = ?,
			sweeps = ?,
			submit_latency = ?,
			failed_stage = ?,
			failure_kind = ?,
			error_message = ?,
			teardown_error = ?
		WHERE id = ?
	`, time.Now(), string(res.Status), res.NumNodes, res.NumTransactions,
		nullTime(res.MeasureStart), nullTime(res.MeasureEnd), nullString(res.TargetHash),
		res.ElapsedMs, res.TPS, res.Sweeps, latencyJSON,
		nullString(string(res.FailedStage)), nullString(string(res.FailureKind)),
		nullString(res.ErrorMessage), nullString(res.TeardownError), res.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM node_results WHERE run_id = ?", res.ID); err != nil {
		return fmt.Errorf("failed to clear node results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_results (run_id, node_index, name, endpoint, peer_count, last_status, queries, confirmed_at, sweep_success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, n := range res.Nodes {
		var confirmedAt sql.NullTime
		if n.ConfirmedAt != nil {
			confirmedAt = sql.NullTime{Time: *n.ConfirmedAt, Valid: true}
		}
		_, err := stmt.ExecContext(ctx, res.ID, n.Index, n.Name, n.Endpoint, n.PeerCount,
			string(n.LastStatus), n.Queries, confirmedAt, n.SweepSuccess)
		if err != nil {
			return fmt.Errorf("failed to insert node result %d: %w", n.Index, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, started_at, completed_at, status, num_nodes, num_transactions, config,
	measure_start, measure_end, target_hash, COALESCE(elapsed_ms, 0), COALESCE(tps, 0),
	COALESCE(sweeps, 0), submit_latency, failed_stage, failure_kind, error_message, teardown_error`

// GetRun retrieves a single run by ID, with its node results. It returns
// nil without error when the run does not exist.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)

	run, err := scanRun(row)
	if err != nil || run == nil {
		return run, err
	}

	nodes, err := s.nodeResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Nodes = nodes
	return run, nil
}

// ListRuns returns a page of runs, newest first. Node results are not
// loaded; use GetRun for the detail view.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its node results.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

func (s *SQLiteStorage) nodeResults(ctx context.Context, runID string) ([]types.NodeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_index, name, COALESCE(endpoint, ''), COALESCE(peer_count, -1),
			COALESCE(last_status, ''), COALESCE(queries, 0), confirmed_at, COALESCE(sweep_success, 0)
		FROM node_results
		WHERE run_id = ?
		ORDER BY node_index ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []types.NodeResult
	for rows.Next() {
		var n types.NodeResult
		var status string
		var confirmedAt sql.NullTime
		if err := rows.Scan(&n.Index, &n.Name, &n.Endpoint, &n.PeerCount,
			&status, &n.Queries, &confirmedAt, &n.SweepSuccess); err != nil {
			return nil, err
		}
		n.LastStatus = types.FinalityStatus(status)
		if confirmedAt.Valid {
			at := confirmedAt.Time
			n.ConfirmedAt = &at
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var status string
	var completedAt, measureStart, measureEnd sql.NullTime
	var configJSON, latencyJSON sql.NullString
	var targetHash, failedStage, failureKind, errorMsg, teardownErr sql.NullString

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &status, &run.NumNodes, &run.NumTransactions, &configJSON,
		&measureStart, &measureEnd, &targetHash, &run.ElapsedMs, &run.TPS,
		&run.Sweeps, &latencyJSON, &failedStage, &failureKind, &errorMsg, &teardownErr)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if measureStart.Valid {
		run.MeasureStart = measureStart.Time
	}
	if measureEnd.Valid {
		run.MeasureEnd = measureEnd.Time
	}
	run.TargetHash = targetHash.String
	run.FailedStage = types.Stage(failedStage.String)
	run.FailureKind = types.FailureKind(failureKind.String)
	run.ErrorMessage = errorMsg.String
	run.TeardownError = teardownErr.String

	if configJSON.Valid && configJSON.String != "" {
		run.Config = &RunConfig{}
		unmarshalJSON(configJSON.String, run.Config, "config", run.ID)
	}
	if latencyJSON.Valid && latencyJSON.String != "" {
		run.SubmitLatency = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, run.SubmitLatency, "submit_latency", run.ID)
	}

	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(v time.Time) sql.NullTime {
	if v.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v, Valid: true}
}
