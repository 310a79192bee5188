// Package shield provides the HTTP middleware stack for the designloop API:
// CORS, security headers, body limits, request tracing, panic recovery, drain
// mode and per-endpoint rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(shield.StackConfig{MaxBody: 50 << 20}) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// StackConfig parameterises DefaultStack. Zero values disable the
// corresponding middleware.
type StackConfig struct {
	MaxBody   int64
	Timeout   time.Duration
	Drain     *Drain
	RateLimit *RateLimiter
	Logger    *slog.Logger

	// CORSOrigins enables CORS for these origins. Empty: no CORS headers.
	CORSOrigins []string
}

// DefaultStack returns the middleware stack for the API, ordered:
// Recover → CORS → Drain → HeadToGet → SecurityHeaders → MaxBody → TraceID → Timeout →
// RateLimiter.
func DefaultStack(cfg StackConfig) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{Recover(cfg.Logger)}
	if len(cfg.CORSOrigins) > 0 {
		stack = append(stack, CORS(cfg.CORSOrigins))
	}
	if cfg.Drain != nil {
		stack = append(stack, cfg.Drain.Middleware)
	}
	stack = append(stack, HeadToGet, SecurityHeaders(DefaultHeaders()))
	if cfg.MaxBody > 0 {
		stack = append(stack, MaxBody(cfg.MaxBody))
	}
	stack = append(stack, TraceIDWith(cfg.Logger))
	if cfg.Timeout > 0 {
		stack = append(stack, Timeout(cfg.Timeout))
	}
	if cfg.RateLimit != nil {
		stack = append(stack, cfg.RateLimit.Middleware)
	}
	return stack
}

// HeadToGet converts HEAD requests to GET so that routes registered with
// r.Get() answer HEAD too. net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// WriteError writes the API error envelope {"error": msg, "details": details}.
// details is omitted when nil.
func WriteError(w http.ResponseWriter, status int, msg string, details any) {
	body := map[string]any{"error": msg}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Timeout bounds the request context to d. Handlers observe the deadline
// through ctx; nothing is written on expiry so partial results still go out.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
