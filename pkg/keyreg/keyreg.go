// Package keyreg maintains the registry of upstream signing keys used to
// verify bearer tokens. Keys come from a JWKS endpoint fetched on a fixed
// schedule; each successful fetch replaces the whole key set in one atomic
// swap, and a failed fetch leaves the previous set serving so verification
// degrades to stale keys rather than to none.
package keyreg

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vaishali515/switchboard-gateway/pkg/httpx"
)

var (
	// ErrNoKeys means no JWKS fetch has succeeded yet.
	ErrNoKeys = errors.New("keyreg: no keys loaded")
	// ErrUnknownKey means the key set is loaded, the kid is not in it, and
	// the any-key fallback policy is off.
	ErrUnknownKey = errors.New("keyreg: unknown key id")
)

const fetchRetryDelay = 500 * time.Millisecond

// Config controls fetch scheduling and the lookup fallback policy. Zero
// durations get serving defaults at use time so tests can run the loop fast.
type Config struct {
	URL          string
	Client       *http.Client
	Interval     time.Duration
	InitialDelay time.Duration
	FetchTimeout time.Duration
	Retries      int

	// AllowAnyKey makes Lookup fall back to the first key in document
	// order when the requested kid is empty or unknown. Issuers that
	// rotate without publishing kids need this on; it weakens key pinning,
	// so it is a named policy rather than hard-coded behavior.
	AllowAnyKey bool
}

// Registry holds the current key snapshot. Reads never block refreshes:
// lookups load the snapshot pointer and work on an immutable set.
type Registry struct {
	cfg  Config
	snap atomic.Pointer[snapshot]
}

// snapshot is one complete parsed JWKS document. kids preserves document
// order so "any key" fallback is deterministic.
type snapshot struct {
	keys      map[string]*rsa.PublicKey
	kids      []string
	fetchedAt time.Time
}

func New(cfg Config) *Registry {
	return &Registry{cfg: cfg}
}

// Lookup resolves a verification key. A non-empty kid present in the
// snapshot wins; an empty or unknown kid falls back to the first key in
// document order when AllowAnyKey is set. ErrNoKeys and ErrUnknownKey are
// distinct so callers can tell "registry empty" from "token signed by a
// stranger".
func (r *Registry) Lookup(kid string) (*rsa.PublicKey, error) {
	snap := r.snap.Load()
	if snap == nil || len(snap.kids) == 0 {
		return nil, ErrNoKeys
	}
	if kid != "" {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
	}
	if r.cfg.AllowAnyKey {
		return snap.keys[snap.kids[0]], nil
	}
	return nil, ErrUnknownKey
}

// KeyCount reports how many keys the current snapshot holds.
func (r *Registry) KeyCount() int {
	snap := r.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.kids)
}

// FetchedAt reports when the current snapshot was fetched, zero when none.
func (r *Registry) FetchedAt() time.Time {
	snap := r.snap.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.fetchedAt
}

// Refresh fetches and parses the JWKS document once. The snapshot is swapped
// only when the document yields at least one usable key; any failure leaves
// the previous snapshot in place and is reported to the caller.
func (r *Registry) Refresh(ctx context.Context) error {
	fetchCtx := ctx
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}
	status, body, err := httpx.RequestJSON(fetchCtx, r.cfg.Client, http.MethodGet, r.cfg.URL, nil, nil, r.cfg.Retries, fetchRetryDelay)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", status)
	}

	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	kids := make([]string, 0, len(payload.Keys))
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			slog.Warn("skipping unparsable jwks key", "kid", k.Kid, "error", err)
			continue
		}
		if _, dup := keys[k.Kid]; !dup {
			kids = append(kids, k.Kid)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}

	r.snap.Store(&snapshot{keys: keys, kids: kids, fetchedAt: time.Now()})
	return nil
}

// Run refreshes after the configured initial delay and then on every tick
// until ctx is cancelled. Failures are logged and retried next tick.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.InitialDelay):
		}
	}
	r.refreshAndLog(ctx)

	interval := r.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAndLog(ctx)
		}
	}
}

func (r *Registry) refreshAndLog(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("jwks refresh failed, keeping previous keys",
			"url", r.cfg.URL, "keys", r.KeyCount(), "error", err)
		return
	}
	slog.Info("jwks refreshed", "url", r.cfg.URL, "keys", r.KeyCount())
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(nb) == 0 {
		return nil, errors.New("invalid modulus")
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
