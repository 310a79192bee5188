package shield

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

// Drain refuses new work with 503 once Start is called, letting in-flight
// requests finish during shutdown. Excluded prefixes (health checks) pass.
type Drain struct {
	active  atomic.Bool
	exclude []string
	logger  *slog.Logger
}

// NewDrain returns an inactive Drain.
func NewDrain(logger *slog.Logger, excludePrefixes ...string) *Drain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drain{exclude: excludePrefixes, logger: logger}
}

// Start enables drain mode. Idempotent.
func (d *Drain) Start() {
	if d.active.CompareAndSwap(false, true) {
		d.logger.Warn("shield: drain mode enabled")
	}
}

// Active reports whether drain mode is on.
func (d *Drain) Active() bool { return d.active.Load() }

// Middleware answers 503 with Retry-After while draining.
func (d *Drain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range d.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "30")
		WriteError(w, http.StatusServiceUnavailable, "server is shutting down", nil)
	})
}
