// Package pipeline composes the gateway's request processing stages into a
// single http.Handler. Stages are ordinary middleware with a name attached;
// they run in declared order and short-circuit by not calling their
// successor. The composed handler recovers panics from any stage or from
// the terminal handler and answers 500 when the response is still open.
package pipeline

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/vaishali515/switchboard-gateway/pkg/httpx"
	"github.com/vaishali515/switchboard-gateway/pkg/trace"
)

// Stage is one named step of the request pipeline.
type Stage struct {
	Name string
	Wrap func(http.Handler) http.Handler
}

// Chain is an ordered list of stages.
type Chain struct {
	stages []Stage
}

func New(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Names returns the stage names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		names = append(names, s.Name)
	}
	return names
}

// Handler composes the chain around the terminal handler. The first declared
// stage runs first. Panic recovery always sits outside the whole chain.
func (c *Chain) Handler(terminal http.Handler) http.Handler {
	h := terminal
	for i := len(c.stages) - 1; i >= 0; i-- {
		h = c.stages[i].Wrap(h)
	}
	return recoverPanics(h)
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &commitWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				// The server treats this sentinel as a deliberate abort.
				panic(rec)
			}
			logger := slog.Default()
			// The trace stage mutates the shared request header map, so the
			// ids survive here even though the enriched context does not.
			traceID := r.Header.Get(trace.HeaderTraceID)
			correlationID := r.Header.Get(trace.HeaderCorrelationID)
			if traceID != "" {
				logger = logger.With("trace_id", traceID, "correlation_id", correlationID)
			}
			logger.Error("request pipeline panic",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()))
			if cw.committed {
				return
			}
			h := cw.Header()
			if traceID != "" {
				h.Set(trace.HeaderTraceID, traceID)
			}
			if correlationID != "" {
				h.Set(trace.HeaderCorrelationID, correlationID)
			}
			httpx.Error(cw, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(cw, r)
	})
}

// commitWriter records whether the response status has been sent, which
// decides if a recovered panic may still produce an error response.
type commitWriter struct {
	http.ResponseWriter
	committed bool
}

func (cw *commitWriter) WriteHeader(code int) {
	cw.committed = true
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *commitWriter) Write(b []byte) (int, error) {
	cw.committed = true
	return cw.ResponseWriter.Write(b)
}

func (cw *commitWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
