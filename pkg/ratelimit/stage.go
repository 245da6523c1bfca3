package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vaishali515/switchboard-gateway/pkg/auth"
	"github.com/vaishali515/switchboard-gateway/pkg/httpx"
	"github.com/vaishali515/switchboard-gateway/pkg/metrics"
	"github.com/vaishali515/switchboard-gateway/pkg/trace"
)

// Stage mounts the limiter behind the authentication gate. Keys combine the
// authenticated subject with the client address, so one hot user cannot
// starve the rest and one shared egress cannot starve its users. OPTIONS is
// exempt; preflights should not burn quota.
type Stage struct {
	Limiter Limiter
	Limit   int
	Metrics *metrics.Registry
}

func (s *Stage) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || s.Limiter == nil || s.Limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		decision := s.Limiter.Allow(r.Context(), subjectKey(r), s.Limit)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		if s.Metrics != nil {
			s.Metrics.IncRateLimited()
		}
		retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		trace.Logger(r.Context()).Warn("rate limit exceeded",
			"method", r.Method, "path", r.URL.Path, "count", decision.Count, "limit", decision.Limit)
		httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

func subjectKey(r *http.Request) string {
	subject := "anonymous"
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		switch {
		case id.UserID != "":
			subject = id.UserID
		case id.Subject != "":
			subject = id.Subject
		}
	}
	return subject + ":" + clientIP(r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
