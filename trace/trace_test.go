package trace

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/designloop/kit"
)

func captureLogs(t *testing.T, slowAt time.Duration) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Configure(Config{
		Slow:   slowAt,
		Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	t.Cleanup(func() { Configure(Config{}) })
	return &buf
}

func openTraced(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(DriverName, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDriverRegistered(t *testing.T) {
	for _, d := range sql.Drivers() {
		if d == DriverName {
			return
		}
	}
	t.Fatalf("%s driver not registered", DriverName)
}

func TestDriver_ExecAndQuery(t *testing.T) {
	buf := captureLogs(t, time.Hour)
	db := openTraced(t)
	before := Snapshot()

	ctx := kit.WithTraceID(context.Background(), "trc-1")
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO t VALUES (?)", 7); err != nil {
		t.Fatal(err)
	}
	var v int
	if err := db.QueryRowContext(ctx, "SELECT v FROM t").Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Fatalf("v = %d, want 7", v)
	}

	after := Snapshot()
	if after.Statements-before.Statements < 3 {
		t.Fatalf("statements delta = %d, want >= 3", after.Statements-before.Statements)
	}
	out := buf.String()
	if !strings.Contains(out, "trace_id=trc-1") {
		t.Fatalf("trace id not logged:\n%s", out)
	}
	if !strings.Contains(out, "SELECT v FROM t") {
		t.Fatalf("query not logged:\n%s", out)
	}
}

func TestDriver_FailureCounted(t *testing.T) {
	buf := captureLogs(t, time.Hour)
	db := openTraced(t)
	before := Snapshot()

	if _, err := db.Exec("INSERT INTO missing VALUES (1)"); err == nil {
		t.Fatal("expected error")
	}
	if Snapshot().Failures <= before.Failures {
		t.Fatal("failure not counted")
	}
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Fatalf("failure not logged at error:\n%s", buf.String())
	}
}

func TestDriver_SlowPromotedToWarn(t *testing.T) {
	buf := captureLogs(t, time.Nanosecond)
	db := openTraced(t)
	before := Snapshot()

	var n int
	if err := db.QueryRow("SELECT 1").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if Snapshot().Slow <= before.Slow {
		t.Fatal("slow statement not counted")
	}
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Fatalf("slow statement not logged at warn:\n%s", buf.String())
	}
}

func TestCompact(t *testing.T) {
	got := compact("SELECT a,\n\t b\n  FROM t")
	if got != "SELECT a, b FROM t" {
		t.Fatalf("compact = %q", got)
	}
}
