package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/designloop/dbopen"
	"github.com/hazyhaar/designloop/iterate"
	"github.com/hazyhaar/designloop/render"
)

func setupLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	l := New(db, cfg)
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleRun(id string, started time.Time, diffs ...float64) *iterate.Run {
	run := &iterate.Run{
		ID:       id,
		State:    iterate.StateExhausted,
		Viewport: "desktop",
		Started:  started,
		Finished: started.Add(1500 * time.Millisecond),
	}
	best, bestPct := 0, 101.0
	for i, d := range diffs {
		it := iterate.Iteration{
			Index:          i + 1,
			DiffPercentage: d,
			Stage:          "rod",
			Adjustments:    []string{"layout"},
			Attempts:       []render.Attempt{{Stage: "rod", Duration: 20 * time.Millisecond}},
		}
		if i == 0 {
			it.Attempts = []render.Attempt{
				{Stage: "rod", Reason: render.ReasonLaunch, Error: "no chrome"},
				{Stage: "chromedp", Duration: 30 * time.Millisecond},
			}
		}
		run.Iterations = append(run.Iterations, it)
		if d >= 0 && d < bestPct {
			best, bestPct = i+1, d
		}
	}
	run.Best = best
	return run
}

func TestRecordRun_FlushAndRecent(t *testing.T) {
	l := setupLedger(t, Config{})
	ctx := context.Background()
	now := time.Now()

	l.RecordRun(sampleRun("run_a", now.Add(-time.Minute), 40, 12.5))
	l.RecordRun(sampleRun("run_b", now, 30))
	l.Flush()

	runs, err := l.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run_b" {
		t.Fatalf("newest = %q, want run_b", runs[0].ID)
	}
	a := runs[1]
	if a.Iterations != 2 || a.Best != 2 {
		t.Fatalf("run_a iterations=%d best=%d, want 2 and 2", a.Iterations, a.Best)
	}
	if a.BestDiff == nil || *a.BestDiff != 12.5 {
		t.Fatalf("run_a best diff = %v, want 12.5", a.BestDiff)
	}
	if a.State != string(iterate.StateExhausted) {
		t.Fatalf("state = %q", a.State)
	}
	if a.DurationMs != 1500 {
		t.Fatalf("duration = %d, want 1500", a.DurationMs)
	}

	var n int
	if err := l.DB().QueryRow(`SELECT COUNT(*) FROM run_iterations WHERE run_id = 'run_a'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("run_a iterations rows = %d, want 2", n)
	}
}

func TestRecentRuns_Limit(t *testing.T) {
	l := setupLedger(t, Config{})
	now := time.Now()
	for i, id := range []string{"r1", "r2", "r3"} {
		l.RecordRun(sampleRun(id, now.Add(time.Duration(i)*time.Second), 10))
	}
	l.Flush()

	runs, err := l.RecentRuns(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("got %+v, want r3 then r2", runs)
	}
}

func TestStageStats(t *testing.T) {
	l := setupLedger(t, Config{})
	l.RecordRun(sampleRun("run_s", time.Now(), 50, 20))
	l.RecordAttempts("", 0, []render.Attempt{{Stage: "rod", Reason: render.ReasonTimeout}})
	l.Flush()

	stats, err := l.StageStats(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got := stats["rod"][string(render.ReasonLaunch)]; got != 1 {
		t.Fatalf("rod launch = %d, want 1", got)
	}
	if got := stats["rod"][string(render.ReasonTimeout)]; got != 1 {
		t.Fatalf("rod timeout = %d, want 1", got)
	}
	if got := stats["rod"][""]; got != 1 {
		t.Fatalf("rod ok = %d, want 1", got)
	}
	if got := stats["chromedp"][""]; got != 1 {
		t.Fatalf("chromedp ok = %d, want 1", got)
	}
}

func TestBufferFullFlushes(t *testing.T) {
	l := setupLedger(t, Config{BufferSize: 2})
	now := time.Now()
	l.RecordRun(sampleRun("x1", now, 10))
	// Reaching BufferSize wakes the flush goroutine; the hour-long ticker
	// cannot be what writes these.
	l.RecordRun(sampleRun("x2", now, 10))

	deadline := time.Now().Add(2 * time.Second)
	for {
		runs, err := l.RecentRuns(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d runs after threshold, want 2", len(runs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordDropsWhileFlushPending(t *testing.T) {
	l := setupLedger(t, Config{BufferSize: 2})

	// Hold the writer so the woken flush goroutine cannot drain the buffer.
	l.flushMu.Lock()
	start := time.Now()
	for i := 0; i < 6; i++ {
		l.RecordAttempts("shot", i, []render.Attempt{{Stage: "rod"}})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("recording blocked for %v behind a pending flush", elapsed)
	}
	l.mu.Lock()
	buffered, dropped := len(l.pending), l.dropped
	l.mu.Unlock()
	l.flushMu.Unlock()

	if buffered != 4 || dropped != 2 {
		t.Fatalf("buffered=%d dropped=%d, want 4 and 2", buffered, dropped)
	}

	l.Flush()
	var n int
	if err := l.DB().QueryRow(`SELECT COUNT(*) FROM render_attempts WHERE run_id = 'shot'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("stored %d attempts, want 4", n)
	}
}

func TestCloseFlushes(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ledger.db"
	l, err := Open(path, Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	l.RecordRun(sampleRun("closing", time.Now(), 5))
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	runs, err := l2.RecentRuns(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "closing" {
		t.Fatalf("got %+v, want the closing run", runs)
	}
}

func TestPrune(t *testing.T) {
	l := setupLedger(t, Config{})
	l.RecordRun(sampleRun("old", time.Now().Add(-48*time.Hour), 10))
	l.RecordRun(sampleRun("new", time.Now(), 10))
	l.Flush()

	removed, err := l.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	var n int
	l.DB().QueryRow(`SELECT COUNT(*) FROM run_iterations WHERE run_id = 'old'`).Scan(&n)
	if n != 0 {
		t.Fatalf("iterations of pruned run = %d, want 0", n)
	}
}

func TestNilLedger(t *testing.T) {
	var l *Ledger
	l.RecordRun(&iterate.Run{ID: "x"})
	l.RecordAttempts("x", 1, []render.Attempt{{Stage: "rod"}})
	l.Flush()
	if runs, err := l.RecentRuns(context.Background(), 5); err != nil || runs != nil {
		t.Fatalf("nil ledger RecentRuns = %v, %v", runs, err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunRetention_StopsOnCancel(t *testing.T) {
	l := setupLedger(t, Config{})
	l.RecordRun(sampleRun("stale", time.Now().Add(-72*time.Hour), 10))
	l.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunRetention(ctx, 24*time.Hour, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		runs, err := l.RecentRuns(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale run was not pruned")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunRetention did not stop")
	}
}
