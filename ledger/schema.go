package ledger

// Schema is the DDL for the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS iteration_runs (
    run_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    viewport TEXT NOT NULL,
    iterations INTEGER NOT NULL,
    best INTEGER NOT NULL,
    best_diff REAL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON iteration_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS run_iterations (
    run_id TEXT NOT NULL REFERENCES iteration_runs(run_id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    diff_percentage REAL NOT NULL,
    fallback INTEGER NOT NULL DEFAULT 0,
    stage TEXT,
    adjustments TEXT NOT NULL DEFAULT '[]',
    error TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS render_attempts (
    attempt_id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    stage TEXT NOT NULL,
    reason TEXT,
    error TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON render_attempts(run_id, iteration);
CREATE INDEX IF NOT EXISTS idx_attempts_stage ON render_attempts(stage, reason);
`
