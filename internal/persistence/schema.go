package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chain_runs (
		id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		outcome TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		report TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chain_runs_chain_started
		ON chain_runs(chain, started_at);

	CREATE TABLE IF NOT EXISTS task_runs (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		adapter TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		failure_kind TEXT,
		failure_message TEXT,
		skip_reason TEXT,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES chain_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
