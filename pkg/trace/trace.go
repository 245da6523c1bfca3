// Package trace assigns request identifiers and carries them through
// context, forwarded request headers, and response headers.
//
// Every request gets a fresh trace id regardless of what the client sent,
// so ids are never spoofable. Correlation ids are taken from the caller
// when present so multi-hop flows can be stitched together, and generated
// otherwise.
package trace

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderTraceID       = "X-Trace-Id"
	HeaderCorrelationID = "X-Correlation-Id"
)

type contextKey string

const (
	traceIDContextKey       contextKey = "switchboard.traceID"
	correlationIDContextKey contextKey = "switchboard.correlationID"
	loggerContextKey        contextKey = "switchboard.logger"
)

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDContextKey, id)
}

// TraceID returns the trace id stored in ctx, or "" when absent.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDContextKey).(string)
	return id
}

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey, id)
}

// CorrelationID returns the correlation id stored in ctx, or "" when absent.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDContextKey).(string)
	return id
}

// WithLogger returns a context carrying a request-scoped logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger returns the request-scoped logger from ctx. Callers outside a
// traced request get the process default logger.
func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// Middleware stamps each request with a fresh trace id and a caller-supplied
// or generated correlation id. Both ids are written to the forwarded request
// headers, stored in the context alongside a logger annotated with them, and
// injected into the response headers when the response commits. Injection at
// commit time means the gateway's ids win even when the upstream echoes its
// own copies back.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()
		correlationID := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		r.Header.Set(HeaderTraceID, traceID)
		r.Header.Set(HeaderCorrelationID, correlationID)

		ctx := WithTraceID(r.Context(), traceID)
		ctx = WithCorrelationID(ctx, correlationID)
		logger := slog.Default().With("trace_id", traceID, "correlation_id", correlationID)
		ctx = WithLogger(ctx, logger)

		hw := &headerWriter{ResponseWriter: w, traceID: traceID, correlationID: correlationID}
		next.ServeHTTP(hw, r.WithContext(ctx))

		// Handlers that return without writing still get the ids: the
		// header map is live until net/http commits the implicit 200.
		if !hw.wroteHeader {
			hw.inject()
		}
	})
}

// headerWriter defers trace header injection to the moment the response
// status is committed, overwriting any copies the upstream sent back.
type headerWriter struct {
	http.ResponseWriter
	traceID       string
	correlationID string
	wroteHeader   bool
}

func (hw *headerWriter) inject() {
	h := hw.Header()
	h.Set(HeaderTraceID, hw.traceID)
	h.Set(HeaderCorrelationID, hw.correlationID)
}

func (hw *headerWriter) WriteHeader(code int) {
	if !hw.wroteHeader {
		hw.wroteHeader = true
		hw.inject()
	}
	hw.ResponseWriter.WriteHeader(code)
}

func (hw *headerWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	return hw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush and friends on the
// underlying writer, which the reverse proxy needs for streaming upstreams.
func (hw *headerWriter) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}
