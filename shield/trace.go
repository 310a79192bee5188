package shield

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/hazyhaar/designloop/idgen"
	"github.com/hazyhaar/designloop/kit"
)

// TraceHeader carries the trace ID in both directions.
const TraceHeader = "X-Trace-ID"

var (
	newTraceID   = idgen.NanoID(12)
	validTraceID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// TraceID is TraceIDWith(slog.Default()).
func TraceID(next http.Handler) http.Handler {
	return TraceIDWith(nil)(next)
}

// TraceIDWith tags each request with a trace ID, reusing a well-formed
// incoming X-Trace-ID. The ID goes into the context (kit.TraceIDKey), the
// response headers and a per-request logger stored under LoggerKey.
func TraceIDWith(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lg := base
			if lg == nil {
				lg = slog.Default()
			}
			traceID := r.Header.Get(TraceHeader)
			if !validTraceID.MatchString(traceID) {
				traceID = newTraceID()
			}

			ctx := kit.WithTraceID(r.Context(), traceID)
			ctx = kit.WithTransport(ctx, "http")
			ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))
			w.Header().Set(TraceHeader, traceID)

			logger := lg.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("request", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
