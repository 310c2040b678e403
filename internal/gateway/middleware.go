package gateway

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beiningY/DB-MCP-server/internal/mapping"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// clientIP extracts the caller address: the first X-Forwarded-For hop
// when a proxy added one, else the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withDestination resolves the ?db= query parameter through the mapping
// store and stashes both the raw name and the resolved tuple on the
// request context, where they flow into SSE sessions and tool calls.
// Unknown names leave the tuple unset; the data_agent surfaces the
// instructive error to the client as tool output.
func (s *Server) withDestination(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithClientIP(r.Context(), clientIP(r))

		if name := r.URL.Query().Get("db"); name != "" {
			ctx = mapping.WithName(ctx, name)
			ctx = observability.WithDatabase(ctx, name)

			dest, err := s.mappings.Get(ctx, name)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn(ctx, "destination not mapped", "db", name, "error", err)
				}
			} else {
				ctx = mapping.WithDestination(ctx, dest)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withSessionTracking wraps the event-stream handler with the duplicate
// collapsing session lifecycle: acquire on connect, release on
// disconnect, analytics session id bound to the request context in
// between. Runs after withDestination.
func (s *Server) withSessionTracking(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		name, _ := mapping.NameFromContext(ctx)
		sessionID, release := s.sessions.Acquire(ctx, observability.ClientIP(ctx), r.UserAgent(), name)
		defer release()

		if sessionID != "" {
			ctx = observability.WithSessionID(ctx, sessionID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withHTTPMetrics records one http_requests_total observation per call and
// opens a server span when tracing is configured. The path label is fixed
// per route so query strings never explode the cardinality.
func (s *Server) withHTTPMetrics(path string, next http.Handler) http.Handler {
	if s.metrics == nil && s.tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tracer != nil {
			ctx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, path)
			defer span.End()
			r = r.WithContext(ctx)
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	})
}

// statusRecorder captures the response code for the metrics middleware.
// It forwards Flush so the SSE handler still sees a flushable writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
