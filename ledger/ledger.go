// Package ledger keeps a SQLite history of refinement runs and render
// attempts. Writes are buffered and flushed in batches by a background
// goroutine; a full buffer drops records rather than slowing the render loop.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/designloop/dbopen"
	"github.com/hazyhaar/designloop/iterate"
	"github.com/hazyhaar/designloop/render"
)

// Config configures a Ledger.
type Config struct {
	// BufferSize wakes the flush goroutine when reached. While that flush is
	// pending, records beyond twice BufferSize are dropped. Default: 64.
	BufferSize int

	// FlushInterval is the periodic flush. Default: 5s.
	FlushInterval time.Duration

	// TraceSQL opens the database through the tracing driver.
	TraceSQL bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type runRecord struct {
	run iterate.Run
}

type attemptRecord struct {
	runID     string
	iteration int
	attempts  []render.Attempt
}

// Ledger records runs. A nil *Ledger is valid and records nothing.
type Ledger struct {
	db      *sql.DB
	cfg     Config
	mu      sync.Mutex // guards the buffers
	runs    []runRecord
	pending []attemptRecord
	dropped int
	flushMu sync.Mutex // serialises writes
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Open opens (or creates) the ledger database at path.
func Open(path string, cfg Config) (*Ledger, error) {
	opts := []dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}
	if cfg.TraceSQL {
		opts = append(opts, dbopen.WithTrace())
	}
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	return New(db, cfg), nil
}

// New wraps an already-initialised database (Schema applied) and starts the
// flush loop.
func New(db *sql.DB, cfg Config) *Ledger {
	cfg.defaults()
	l := &Ledger{
		db:   db,
		cfg:  cfg,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// DB returns the underlying database.
func (l *Ledger) DB() *sql.DB { return l.db }

// RecordRun queues run and the render attempts of its iterations. It never
// touches the database.
func (l *Ledger) RecordRun(run *iterate.Run) {
	if l == nil || run == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fullLocked() {
		l.dropped++
		return
	}
	l.runs = append(l.runs, runRecord{run: *run})
	for _, it := range run.Iterations {
		if len(it.Attempts) > 0 {
			l.pending = append(l.pending, attemptRecord{runID: run.ID, iteration: it.Index, attempts: it.Attempts})
		}
	}
	l.kickLocked()
}

// RecordAttempts queues render attempts outside a run (single screenshots).
// It never touches the database.
func (l *Ledger) RecordAttempts(runID string, iteration int, attempts []render.Attempt) {
	if l == nil || len(attempts) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fullLocked() {
		l.dropped++
		return
	}
	l.pending = append(l.pending, attemptRecord{runID: runID, iteration: iteration, attempts: attempts})
	l.kickLocked()
}

// Flush writes buffered records now and returns once they are committed.
func (l *Ledger) Flush() {
	if l == nil {
		return
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	runs, pending, dropped := l.runs, l.pending, l.dropped
	l.runs, l.pending, l.dropped = nil, nil, 0
	l.mu.Unlock()

	if dropped > 0 {
		l.cfg.Logger.Warn("ledger: records dropped", "count", dropped)
	}
	l.write(runs, pending)
}

// Close flushes and stops the background goroutine. The database is closed.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
	return l.db.Close()
}

func (l *Ledger) fullLocked() bool {
	return len(l.runs)+len(l.pending) >= 2*l.cfg.BufferSize
}

// kickLocked wakes the flush goroutine once BufferSize is reached.
func (l *Ledger) kickLocked() {
	if len(l.runs)+len(l.pending) < l.cfg.BufferSize {
		return
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Ledger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			l.Flush()
			return
		case <-ticker.C:
			l.Flush()
		case <-l.kick:
			l.Flush()
		}
	}
}

// write stores one batch in a single transaction. On failure the batch is
// dropped and logged.
func (l *Ledger) write(runs []runRecord, pending []attemptRecord) {
	if len(runs) == 0 && len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		for _, r := range runs {
			if err := insertRun(ctx, tx, &r.run); err != nil {
				return err
			}
		}
		for _, a := range pending {
			if err := insertAttempts(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.cfg.Logger.Error("ledger: flush", "runs", len(runs), "attempt_batches", len(pending), "error", err)
	}
}

func insertRun(ctx context.Context, tx *sql.Tx, run *iterate.Run) error {
	var bestDiff sql.NullFloat64
	if len(run.Iterations) > 0 {
		if best := run.BestIteration(); best.DiffPercentage >= 0 {
			bestDiff = sql.NullFloat64{Float64: best.DiffPercentage, Valid: true}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO iteration_runs
		 (run_id, state, viewport, iterations, best, best_diff, started_at, finished_at, duration_ms)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, string(run.State), run.Viewport, len(run.Iterations), run.Best, bestDiff,
		run.Started.UnixMilli(), run.Finished.UnixMilli(), run.Finished.Sub(run.Started).Milliseconds(),
	); err != nil {
		return fmt.Errorf("ledger: insert run: %w", err)
	}
	for _, it := range run.Iterations {
		adj, _ := json.Marshal(it.Adjustments)
		if it.Adjustments == nil {
			adj = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_iterations
			 (run_id, idx, diff_percentage, fallback, stage, adjustments, error, duration_ms)
			 VALUES (?,?,?,?,?,?,?,?)`,
			run.ID, it.Index, it.DiffPercentage, it.Fallback, nullString(it.Stage), string(adj),
			nullString(it.Err), it.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("ledger: insert iteration: %w", err)
		}
	}
	return nil
}

func insertAttempts(ctx context.Context, tx *sql.Tx, a attemptRecord) error {
	for _, at := range a.attempts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO render_attempts (run_id, iteration, stage, reason, error, duration_ms)
			 VALUES (?,?,?,?,?,?)`,
			a.runID, a.iteration, at.Stage, nullString(string(at.Reason)), nullString(at.Error),
			at.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("ledger: insert attempt: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID         string    `json:"runId"`
	State      string    `json:"state"`
	Viewport   string    `json:"viewport"`
	Iterations int       `json:"iterations"`
	Best       int       `json:"best"`
	BestDiff   *float64  `json:"bestDiffPercentage"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// RecentRuns returns the latest runs, newest first. limit <= 0 means 50.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, state, viewport, iterations, best, best_diff, started_at, duration_ms
		 FROM iteration_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var bestDiff sql.NullFloat64
		var started int64
		if err := rows.Scan(&s.ID, &s.State, &s.Viewport, &s.Iterations, &s.Best, &bestDiff, &started, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("ledger: scan run: %w", err)
		}
		if bestDiff.Valid {
			v := bestDiff.Float64
			s.BestDiff = &v
		}
		s.StartedAt = time.UnixMilli(started).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// StageStats counts attempts per stage and reason since the given time.
// An empty reason counts successes.
func (l *Ledger) StageStats(ctx context.Context, since time.Time) (map[string]map[string]int, error) {
	if l == nil {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT stage, COALESCE(reason, ''), COUNT(*) FROM render_attempts
		 WHERE created_at >= ? GROUP BY stage, reason`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("ledger: stage stats: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]int{}
	for rows.Next() {
		var stage, reason string
		var n int
		if err := rows.Scan(&stage, &reason, &n); err != nil {
			return nil, fmt.Errorf("ledger: scan stats: %w", err)
		}
		if out[stage] == nil {
			out[stage] = map[string]int{}
		}
		out[stage][reason] = n
	}
	return out, rows.Err()
}

// Prune deletes runs and attempts older than age and returns the runs removed.
func (l *Ledger) Prune(ctx context.Context, age time.Duration) (int64, error) {
	if l == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-age)
	var removed int64
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM iteration_runs WHERE started_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, `DELETE FROM render_attempts WHERE created_at < ?`, cutoff.Unix())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: prune: %w", err)
	}
	return removed, nil
}

// RunRetention prunes entries older than age every interval until ctx is
// done. The first sweep runs immediately.
func (l *Ledger) RunRetention(ctx context.Context, age, interval time.Duration) {
	if l == nil || age <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := l.Prune(ctx, age); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.cfg.Logger.Warn("ledger: prune", "error", err)
		} else if n > 0 {
			l.cfg.Logger.Info("ledger: pruned runs", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
