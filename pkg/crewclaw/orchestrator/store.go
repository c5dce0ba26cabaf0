// Package orchestrator – store.go persists subagent execution records to
// SQLite so run history survives restarts and dangling runs are detectable.
package orchestrator

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ExecutionStatus is the lifecycle state of one execution record.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionRecord is one persisted subagent execution.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	Role        string          `json:"agent"`
	Description string          `json:"description"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Model       string          `json:"model,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Duration returns the wall-clock execution time, zero while running.
func (r ExecutionRecord) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunStore records subagent executions in SQLite. A nil *RunStore is valid
// and turns every method into a no-op, so persistence stays optional.
type RunStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenRunStore opens (creating if needed) the run database at path.
func OpenRunStore(path string, logger *slog.Logger) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			agent        TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			result       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL DEFAULT '',
			started_at   TEXT NOT NULL,
			completed_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating executions schema: %w", err)
	}

	return &RunStore{db: db, logger: logger.With("component", "runstore")}, nil
}

// Close releases the underlying database handle.
func (s *RunStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts or updates one execution record.
func (s *RunStore) Save(rec ExecutionRecord) {
	if s == nil {
		return
	}

	completedAt := ""
	if !rec.CompletedAt.IsZero() {
		completedAt = rec.CompletedAt.Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO executions
			(id, agent, description, status, result, error, model, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Role, rec.Description, string(rec.Status),
		rec.Result, rec.Error, rec.Model,
		rec.StartedAt.Format(time.RFC3339), completedAt,
	)
	if err != nil {
		s.logger.Warn("failed to persist execution record", "execution", rec.ID, "error", err)
	}
}

// SweepInterrupted marks dangling "running" rows from a previous unclean
// shutdown as failed. Returns how many rows were affected.
func (s *RunStore) SweepInterrupted() int {
	if s == nil {
		return 0
	}

	result, err := s.db.Exec(`
		UPDATE executions
		SET status = ?, error = 'interrupted by process restart', completed_at = ?
		WHERE status = ?`,
		string(StatusFailed), time.Now().Format(time.RFC3339), string(StatusRunning),
	)
	if err != nil {
		s.logger.Warn("failed to sweep interrupted executions", "error", err)
		return 0
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("swept interrupted executions", "count", affected)
	}
	return int(affected)
}

// Recent returns finished executions from the last N days, newest first.
func (s *RunStore) Recent(days int) []ExecutionRecord {
	if s == nil {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT id, agent, description, status, result, error, model, started_at, completed_at
		FROM executions
		WHERE started_at > ?
		ORDER BY started_at DESC
		LIMIT 100`, cutoff,
	)
	if err != nil {
		s.logger.Warn("failed to load recent executions", "error", err)
		return nil
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var status, startedAt, completedAt string
		if err := rows.Scan(&rec.ID, &rec.Role, &rec.Description, &status,
			&rec.Result, &rec.Error, &rec.Model, &startedAt, &completedAt); err != nil {
			continue
		}
		rec.Status = ExecutionStatus(status)
		rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt != "" {
			rec.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
		}
		records = append(records, rec)
	}
	return records
}

// Prune deletes finished executions older than the given number of days.
func (s *RunStore) Prune(days int) int {
	if s == nil {
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	result, err := s.db.Exec(
		`DELETE FROM executions WHERE started_at < ? AND status != ?`,
		cutoff, string(StatusRunning),
	)
	if err != nil {
		s.logger.Warn("failed to prune execution records", "error", err)
		return 0
	}

	affected, _ := result.RowsAffected()
	return int(affected)
}
