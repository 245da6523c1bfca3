package idempotency

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vaishali515/switchboard-gateway/pkg/httpx"
	"github.com/vaishali515/switchboard-gateway/pkg/metrics"
	"github.com/vaishali515/switchboard-gateway/pkg/trace"
)

// Headers owned by the idempotency stage.
const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "X-Idempotent-Replay"
)

const (
	DefaultMaxAttempts   = 3
	DefaultRetryAfterSec = 5
)

// Stage deduplicates mutating requests that carry a non-empty
// Idempotency-Key header. Everything else passes straight through. Store
// trouble never blocks traffic: the stage fails open and forfeits
// deduplication for that request.
type Stage struct {
	Coordinator *Coordinator
	Rules       *Rules
	Methods     map[string]struct{} // nil means POST/PUT/PATCH
	MaxAttempts int
	RetryAfter  int // seconds advertised on 202
	Metrics     *metrics.Registry
}

type acceptedBody struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Middleware runs the acquire/fetch state machine as a bounded loop. Each
// iteration either settles the request (fresh execution, replay, 202,
// fail-open) or observes an expired record and tries the acquire again.
func (s *Stage) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" || !s.applies(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		logger := trace.Logger(r.Context())
		ttl := s.Rules.Resolve(r.Method, r.URL.Path)
		for attempt := 0; attempt < s.maxAttempts(); attempt++ {
			rec, acquired, err := s.Coordinator.TryAcquire(r.Context(), key, ttl.InProgress)
			if err != nil {
				s.count("fail_open")
				logger.Warn("idempotency store unavailable, proceeding without deduplication", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if acquired {
				s.count("acquired")
				logger.Info("acquired idempotency key", "key", key, "in_progress_ttl", ttl.InProgress)
				s.capture(w, r, next, key, rec.StartedAt, ttl.Completed)
				return
			}
			stored, found, err := s.Coordinator.Fetch(r.Context(), key)
			if err != nil {
				s.count("fail_open")
				logger.Warn("idempotency record unreadable, proceeding without deduplication", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !found {
				// Evicted between acquire and fetch; take another swing.
				s.count("expired_retry")
				logger.Warn("idempotency record expired before fetch, retrying", "key", key)
				continue
			}
			if stored.Status == StatusCompleted {
				s.count("replayed")
				logger.Info("replaying stored response", "key", key, "status", stored.HTTPStatus)
				s.replay(w, key, stored)
				return
			}
			if s.Coordinator.Expired(stored, ttl.InProgress) {
				s.count("expired_retry")
				logger.Warn("in-progress record expired, retrying acquire", "key", key)
				continue
			}
			s.count("accepted")
			logger.Info("request already in progress", "key", key)
			s.accepted(w, key)
			return
		}
		s.count("accepted")
		logger.Warn("idempotency retry budget exhausted", "key", key)
		s.accepted(w, key)
	})
}

// capture buffers the backend response, fires persistence off the delivery
// path, then flushes the buffered response to the client. The client gets
// its response whether or not persistence succeeds.
func (s *Stage) capture(w http.ResponseWriter, r *http.Request, next http.Handler, key string, startedAt time.Time, completedTTL time.Duration) {
	cw := &captureWriter{ResponseWriter: w}
	next.ServeHTTP(cw, r)

	status := cw.status
	if status == 0 {
		status = http.StatusOK
	}
	body := cw.buf.String()

	// Survives client disconnection; failure only affects future retries.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.Coordinator.Complete(ctx, key, status, body, startedAt, completedTTL); err != nil {
			s.count("persist_failed")
			trace.Logger(ctx).Error("failed to persist idempotency record", "key", key, "error", err)
		}
	}()

	h := w.Header()
	h.Set(HeaderKey, key)
	h.Set(HeaderReplay, "false")
	w.WriteHeader(status)
	_, _ = w.Write(cw.buf.Bytes())
}

func (s *Stage) replay(w http.ResponseWriter, key string, rec Record) {
	status := rec.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set(HeaderKey, key)
	h.Set(HeaderReplay, "true")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(rec.ResponseBody))
}

func (s *Stage) accepted(w http.ResponseWriter, key string) {
	n := s.retryAfter()
	w.Header().Set(HeaderKey, key)
	w.Header().Set("Retry-After", strconv.Itoa(n))
	httpx.WriteJSON(w, http.StatusAccepted, acceptedBody{
		Message:        fmt.Sprintf("Request is being processed. Please retry after %d seconds.", n),
		IdempotencyKey: key,
	})
}

func (s *Stage) applies(method string) bool {
	if s.Methods == nil {
		return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
	}
	_, ok := s.Methods[method]
	return ok
}

func (s *Stage) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (s *Stage) retryAfter() int {
	if s.RetryAfter > 0 {
		return s.RetryAfter
	}
	return DefaultRetryAfterSec
}

func (s *Stage) count(outcome string) {
	if s.Metrics != nil {
		s.Metrics.IncIdempotency(outcome)
	}
}

// captureWriter buffers the whole response instead of forwarding it. Headers
// still flow through the delegate's shared header map; status and body are
// released by the stage after persistence has been kicked off. It
// deliberately does not expose Unwrap: letting http.ResponseController
// reach the real writer would bypass the buffer.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (cw *captureWriter) WriteHeader(status int) {
	if cw.status == 0 {
		cw.status = status
	}
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	return cw.buf.Write(p)
}
