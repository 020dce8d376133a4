package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskchain/internal/scheduler"
)

// Fixed-width UTC timestamps sort lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunSummary is one row of run history.
type RunSummary struct {
	RunID     string
	Chain     string
	Outcome   scheduler.ChainState
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Total     int
	Completed int
	Failed    int
	Skipped   int
}

// TaskRecord is one task's result within a stored run.
type TaskRecord struct {
	RunID          string
	StartedAt      time.Time // Run start
	TaskID         string
	Name           string
	Adapter        string
	State          scheduler.TaskState
	Attempts       int
	Duration       time.Duration
	ExitCode       int
	FailureKind    string
	FailureMessage string
	SkipReason     string
}

// SaveRun stores a report and its per-task rows in one transaction.
// Uses ON CONFLICT so saving a run twice is idempotent.
func (s *SQLiteStore) SaveRun(ctx context.Context, report scheduler.Report) error {
	if report.RunID == "" {
		return errors.New("report has no run id")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_runs (id, chain, outcome, started_at, ended_at, duration_ms, total, completed, failed, skipped, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chain = excluded.chain,
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			total = excluded.total,
			completed = excluded.completed,
			failed = excluded.failed,
			skipped = excluded.skipped,
			report = excluded.report
	`, report.RunID, report.Chain, string(report.Outcome),
		formatTime(report.StartedAt), formatTime(report.EndedAt), report.Duration.Milliseconds(),
		report.Total, report.Counts.Completed, report.Counts.Failed, report.Counts.Skipped, string(payload))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to delete old task rows: %w", err)
	}

	for i, t := range report.Tasks {
		var kind, message sql.NullString
		if t.Failure != nil {
			kind = sql.NullString{String: string(t.Failure.Kind), Valid: true}
			message = sql.NullString{String: t.Failure.Message, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_runs (run_id, task_id, position, name, adapter, state, attempts, duration_ms, exit_code, failure_kind, failure_message, skip_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, report.RunID, t.ID, i, t.Name, t.Adapter, string(t.State), t.Attempts, t.Duration.Milliseconds(),
			t.ExitCode, kind, message, nullString(string(t.SkipReason)))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun returns the stored report for runID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (scheduler.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM chain_runs WHERE id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Report{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("failed to query run: %w", err)
	}

	var report scheduler.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return scheduler.Report{}, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return report, nil
}

// ListRuns returns run summaries, newest first. An empty chain lists every chain;
// limit <= 0 means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, chain string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain, outcome, started_at, ended_at, duration_ms, total, completed, failed, skipped
		FROM chain_runs
		WHERE ? = '' OR chain = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`, chain, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r                RunSummary
			outcome          string
			started, ended   string
			durationMillisec int64
		)
		if err := rows.Scan(&r.RunID, &r.Chain, &outcome, &started, &ended, &durationMillisec,
			&r.Total, &r.Completed, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Outcome = scheduler.ChainState(outcome)
		r.StartedAt = parseTime(started)
		r.EndedAt = parseTime(ended)
		r.Duration = time.Duration(durationMillisec) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// TaskHistory returns the newest executions of taskID, optionally restricted to one chain.
func (s *SQLiteStore) TaskHistory(ctx context.Context, chain, taskID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.run_id, r.started_at, t.task_id, t.name, t.adapter, t.state, t.attempts, t.duration_ms,
			t.exit_code, t.failure_kind, t.failure_message, t.skip_reason
		FROM task_runs t
		JOIN chain_runs r ON r.id = t.run_id
		WHERE t.task_id = ? AND (? = '' OR r.chain = ?)
		ORDER BY r.started_at DESC
		LIMIT ?
	`, taskID, chain, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var (
			rec                   TaskRecord
			started, state        string
			durationMillisec      int64
			kind, message, reason sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &started, &rec.TaskID, &rec.Name, &rec.Adapter, &state, &rec.Attempts,
			&durationMillisec, &rec.ExitCode, &kind, &message, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		rec.StartedAt = parseTime(started)
		rec.State = scheduler.TaskState(state)
		rec.Duration = time.Duration(durationMillisec) * time.Millisecond
		rec.FailureKind = kind.String
		rec.FailureMessage = message.String
		rec.SkipReason = reason.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task history: %w", err)
	}
	return records, nil
}

// DeleteRun removes a run; its task rows go with it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chain_runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check deleted rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
