package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	authOutcomes    map[string]int64
	idempotency     map[string]int64
	rateLimited     int64
	proxyErrors     int64
	gauges          map[string]float64
	upstreamLatency UpstreamLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type UpstreamLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	AuthOutcomes      map[string]int64        `json:"auth_outcomes"`
	Idempotency       map[string]int64        `json:"idempotency_outcomes"`
	RateLimited       int64                   `json:"rate_limited_total"`
	ProxyErrors       int64                   `json:"proxy_errors_total"`
	Gauges            map[string]float64      `json:"gauges"`
	UpstreamLatencyMS UpstreamLatencyStat     `json:"upstream_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		authOutcomes: map[string]int64{},
		idempotency:  map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncAuth counts gate outcomes: ok, bypass, missing_token, invalid_token,
// keys_not_loaded. Causes with different remediations must stay separable.
func (r *Registry) IncAuth(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.authOutcomes[outcome]++
	r.mu.Unlock()
}

// IncIdempotency counts coordinator outcomes, e.g. acquired, replayed,
// in_progress, fail_open.
func (r *Registry) IncIdempotency(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.idempotency[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

func (r *Registry) IncProxyError() {
	r.mu.Lock()
	r.proxyErrors++
	r.mu.Unlock()
}

func (r *Registry) ObserveUpstreamLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreamLatency.Count++
	r.upstreamLatency.TotalMS += ms
	r.upstreamLatency.LastMS = ms
	if ms > r.upstreamLatency.MaxMS {
		r.upstreamLatency.MaxMS = ms
	}
	r.upstreamLatency.AvgMS = float64(r.upstreamLatency.TotalMS) / float64(r.upstreamLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		AuthOutcomes: make(map[string]int64, len(r.authOutcomes)),
		Idempotency:  make(map[string]int64, len(r.idempotency)),
		RateLimited:  r.rateLimited,
		ProxyErrors:  r.proxyErrors,
		Gauges:       make(map[string]float64, len(r.gauges)),
	}
	out.UpstreamLatencyMS = r.upstreamLatency
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.authOutcomes {
		out.AuthOutcomes[k] = v
	}
	for k, v := range r.idempotency {
		out.Idempotency[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP switchboard_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE switchboard_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "switchboard_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP switchboard_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE switchboard_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "switchboard_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP switchboard_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE switchboard_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "switchboard_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP switchboard_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE switchboard_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "switchboard_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP switchboard_auth_total gate outcomes by cause\n")
		b.WriteString("# TYPE switchboard_auth_total counter\n")
		for _, outcome := range SortedKeys(snap.AuthOutcomes) {
			fmt.Fprintf(b, "switchboard_auth_total{outcome=%q} %d\n", outcome, snap.AuthOutcomes[outcome])
		}
		b.WriteString("# HELP switchboard_idempotency_total idempotency coordinator outcomes\n")
		b.WriteString("# TYPE switchboard_idempotency_total counter\n")
		for _, outcome := range SortedKeys(snap.Idempotency) {
			fmt.Fprintf(b, "switchboard_idempotency_total{outcome=%q} %d\n", outcome, snap.Idempotency[outcome])
		}
		b.WriteString("# HELP switchboard_rate_limited_total requests rejected by the rate limiter\n")
		b.WriteString("# TYPE switchboard_rate_limited_total counter\n")
		fmt.Fprintf(b, "switchboard_rate_limited_total %d\n", snap.RateLimited)
		b.WriteString("# HELP switchboard_proxy_errors_total upstream proxy failures\n")
		b.WriteString("# TYPE switchboard_proxy_errors_total counter\n")
		fmt.Fprintf(b, "switchboard_proxy_errors_total %d\n", snap.ProxyErrors)
		b.WriteString("# HELP switchboard_gauge operational gauge metrics\n")
		b.WriteString("# TYPE switchboard_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "switchboard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP switchboard_latency_seconds latency histogram\n")
			b.WriteString("# TYPE switchboard_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "switchboard_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "switchboard_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "switchboard_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "switchboard_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "switchboard_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "switchboard_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "switchboard_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP switchboard_upstream_latency_ms upstream round trip latency in ms\n")
		b.WriteString("# TYPE switchboard_upstream_latency_ms gauge\n")
		fmt.Fprintf(b, "switchboard_upstream_latency_ms{stat=%q} %d\n", "last", snap.UpstreamLatencyMS.LastMS)
		fmt.Fprintf(b, "switchboard_upstream_latency_ms{stat=%q} %.3f\n", "avg", snap.UpstreamLatencyMS.AvgMS)
		fmt.Fprintf(b, "switchboard_upstream_latency_ms{stat=%q} %d\n", "max", snap.UpstreamLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
