// Package trace registers a "sqlite-trace" driver that wraps modernc.org/sqlite
// and reports every statement to the structured log and to process-wide
// counters.
//
//	db, err := dbopen.Open(path, dbopen.WithTrace())
//
// Statements log at Debug, at Warn once slower than the configured
// threshold and at Error on failure. Trace IDs come from kit.GetTraceID so
// SQL lines correlate with the HTTP or MCP request that issued them.
package trace

import (
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the name the tracing driver is registered under.
const DriverName = "sqlite-trace"

// DefaultSlow is the default slow statement threshold.
const DefaultSlow = 100 * time.Millisecond

// Config tunes statement reporting.
type Config struct {
	// Slow promotes statements at or above this duration to Warn.
	Slow   time.Duration
	Logger *slog.Logger
}

var (
	cfgMu  sync.RWMutex
	global = Config{Slow: DefaultSlow}

	statements atomic.Int64
	failures   atomic.Int64
	slow       atomic.Int64
)

// Configure replaces the reporting settings. A nil Logger means
// slog.Default() at report time.
func Configure(cfg Config) {
	if cfg.Slow <= 0 {
		cfg.Slow = DefaultSlow
	}
	cfgMu.Lock()
	global = cfg
	cfgMu.Unlock()
}

func current() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	c := global
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats counts statements seen by the driver since process start.
type Stats struct {
	Statements int64 `json:"statements"`
	Failures   int64 `json:"failures"`
	Slow       int64 `json:"slow"`
}

// Snapshot returns the current counters.
func Snapshot() Stats {
	return Stats{
		Statements: statements.Load(),
		Failures:   failures.Load(),
		Slow:       slow.Load(),
	}
}

func init() {
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}
