package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/vaishali515/switchboard-gateway/pkg/auth"
	"github.com/vaishali515/switchboard-gateway/pkg/hardening"
	"github.com/vaishali515/switchboard-gateway/pkg/httpx"
	"github.com/vaishali515/switchboard-gateway/pkg/idempotency"
	"github.com/vaishali515/switchboard-gateway/pkg/keyreg"
	"github.com/vaishali515/switchboard-gateway/pkg/metrics"
	"github.com/vaishali515/switchboard-gateway/pkg/pipeline"
	"github.com/vaishali515/switchboard-gateway/pkg/ratelimit"
	"github.com/vaishali515/switchboard-gateway/pkg/store"
	"github.com/vaishali515/switchboard-gateway/pkg/telemetry"
	"github.com/vaishali515/switchboard-gateway/pkg/trace"
)

type Server struct {
	Keys                *keyreg.Registry
	Gate                *auth.Gate
	Idempotency         *idempotency.Stage
	RateLimit           *ratelimit.Stage
	Metrics             *metrics.Registry
	Redis               *redis.Client
	Backend             *url.URL
	BypassPrefixes      []string
	MaxRequestBodyBytes int64
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(ctx context.Context, s *Server) {
		go s.Keys.Run(ctx)
		go s.metricsLoop(ctx)
	}
)

func main() {
	if err := runGateway(initTelemetryG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, telemetry.DefaultService)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	backend, err := url.Parse(env("BACKEND_URL", "http://localhost:9090"))
	if err != nil {
		return fmt.Errorf("parse BACKEND_URL: %w", err)
	}
	if backend.Scheme == "" || backend.Host == "" {
		return fmt.Errorf("BACKEND_URL %q must be an absolute URL", backend)
	}
	jwksURL := strings.TrimSpace(env("JWKS_URL", ""))
	if jwksURL == "" {
		return errors.New("JWKS_URL is required")
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               telemetry.DefaultService,
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		JWKSURL:               jwksURL,
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory store/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := metrics.NewRegistry()
	keys := keyreg.New(keyreg.Config{
		URL:          jwksURL,
		Client:       telemetry.InstrumentClient(&http.Client{}),
		Interval:     envDurationSec("JWKS_REFRESH_INTERVAL_SEC", 60),
		InitialDelay: envDurationSec("JWKS_INITIAL_DELAY_SEC", 5),
		FetchTimeout: time.Millisecond * time.Duration(envInt("JWKS_FETCH_TIMEOUT_MS", 5000)),
		Retries:      envInt("JWKS_FETCH_RETRIES", 2),
		AllowAnyKey:  env("AUTH_ANY_KEY_FALLBACK", "true") == "true",
	})

	defaultTTL := idempotency.TTLConfig{
		InProgress: envDurationSec("IDEMPOTENCY_IN_PROGRESS_TTL_SEC", 30),
		Completed:  envDurationSec("IDEMPOTENCY_COMPLETED_TTL_SEC", 86400),
	}
	ttlRules, err := parseTTLRules(env("IDEMPOTENCY_TTL_RULES", ""), defaultTTL)
	if err != nil {
		return err
	}

	kv := store.NewKV(ctx, redisClient)
	s := &Server{
		Keys: keys,
		Gate: &auth.Gate{
			Keys:        keys,
			DefaultRole: env("AUTH_DEFAULT_ROLE", "USER"),
			Metrics:     reg,
		},
		Idempotency: &idempotency.Stage{
			Coordinator: idempotency.NewCoordinator(kv, env("IDEMPOTENCY_PREFIX", idempotency.DefaultPrefix)),
			Rules:       idempotency.NewRules(defaultTTL, ttlRules...),
			Methods:     parseMethods(env("IDEMPOTENCY_METHODS", "")),
			MaxAttempts: envInt("IDEMPOTENCY_MAX_ATTEMPTS", idempotency.DefaultMaxAttempts),
			RetryAfter:  envInt("IDEMPOTENCY_RETRY_AFTER_SEC", idempotency.DefaultRetryAfterSec),
			Metrics:     reg,
		},
		Metrics:             reg,
		Redis:               redisClient,
		Backend:             backend,
		BypassPrefixes:      parseBypassPrefixes(env("AUTH_BYPASS_PREFIXES", "/healthz,/api/v1/auth/,/.well-known/jwks.json")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if env("RATE_LIMIT_ENABLED", "false") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		var limiter ratelimit.Limiter
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, window)
		} else {
			limiter = ratelimit.NewInMemory(window)
		}
		s.RateLimit = &ratelimit.Stage{
			Limiter: limiter,
			Limit:   envInt("RATE_LIMIT_PER_MINUTE", 240),
			Metrics: reg,
		}
	}

	proxy := s.backendProxy(time.Millisecond * time.Duration(envInt("BACKEND_RESPONSE_HEADER_TIMEOUT_MS", 30000)))

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(telemetry.DefaultService))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": telemetry.DefaultService})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Handle("/*", s.handler(proxy))

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s, forwarding to %s", addr, backend)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- listen(server) }()
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Printf("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 10))
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handler routes every proxied path through the stage pipeline. Bypass paths
// run only the trace stage; everything else runs the full chain.
func (s *Server) handler(terminal http.Handler) http.Handler {
	stages := []pipeline.Stage{
		{Name: "trace", Wrap: trace.Middleware},
		{Name: "auth", Wrap: s.Gate.Middleware},
	}
	if s.RateLimit != nil {
		stages = append(stages, pipeline.Stage{Name: "ratelimit", Wrap: s.RateLimit.Middleware})
	}
	stages = append(stages,
		pipeline.Stage{Name: "idempotency", Wrap: s.Idempotency.Middleware},
		pipeline.Stage{Name: "identity", Wrap: auth.ForwardIdentity},
	)
	chain := pipeline.New(stages...)
	log.Printf("pipeline stages: %s", strings.Join(chain.Names(), ", "))
	full := chain.Handler(terminal)
	bypass := pipeline.New(pipeline.Stage{Name: "trace", Wrap: trace.Middleware}).Handler(terminal)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.Bypassed(r.URL.Path, s.BypassPrefixes) {
			if s.Metrics != nil {
				s.Metrics.IncAuth("bypass")
			}
			bypass.ServeHTTP(w, r)
			return
		}
		full.ServeHTTP(w, r)
	})
}

// backendProxy forwards to the single upstream origin. Failures answer 502
// here rather than leaking a connection error; an over-limit request body
// surfaces as 413 to match what direct reads would produce.
func (s *Server) backendProxy(responseHeaderTimeout time.Duration) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(s.Backend)
	proxy.Transport = telemetry.InstrumentTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: responseHeaderTimeout,
	})
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if s.Metrics != nil {
			s.Metrics.IncProxyError()
		}
		trace.Logger(r.Context()).Error("backend request failed",
			"method", r.Method, "path", r.URL.Path, "backend", s.Backend.String(), "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpx.Error(w, http.StatusBadGateway, "upstream unavailable")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		proxy.ServeHTTP(w, r)
		if s.Metrics != nil {
			s.Metrics.ObserveUpstreamLatency(time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil || s.Keys == nil {
		return
	}
	s.Metrics.SetGauge("jwks_keys", float64(s.Keys.KeyCount()))
	if fetchedAt := s.Keys.FetchedAt(); !fetchedAt.IsZero() {
		s.Metrics.SetGauge("jwks_refresh_age_seconds", time.Since(fetchedAt).Seconds())
	}
}

func parseBypassPrefixes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTTLRules parses the ordered "METHOD:path=inProgressSec:completedSec"
// list. Unparsable or non-positive TTL fields keep the default, matching how
// envInt treats malformed numbers.
func parseTTLRules(raw string, def idempotency.TTLConfig) ([]idempotency.Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var rules []idempotency.Rule
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pattern, ttls, ok := strings.Cut(entry, "=")
		pattern = strings.TrimSpace(pattern)
		if !ok || pattern == "" {
			return nil, fmt.Errorf("ttl rule %q: want METHOD:path=inProgressSec:completedSec", entry)
		}
		inProgressRaw, completedRaw, ok := strings.Cut(ttls, ":")
		if !ok {
			return nil, fmt.Errorf("ttl rule %q: want METHOD:path=inProgressSec:completedSec", entry)
		}
		ttl := def
		if v, err := strconv.Atoi(strings.TrimSpace(inProgressRaw)); err == nil && v > 0 {
			ttl.InProgress = time.Second * time.Duration(v)
		}
		if v, err := strconv.Atoi(strings.TrimSpace(completedRaw)); err == nil && v > 0 {
			ttl.Completed = time.Second * time.Duration(v)
		}
		rules = append(rules, idempotency.Rule{Pattern: pattern, TTL: ttl})
	}
	return rules, nil
}

func parseMethods(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]struct{}{}
	for _, m := range strings.Split(raw, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			out[m] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
