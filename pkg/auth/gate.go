package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vaishali515/switchboard-gateway/pkg/keyreg"
	"github.com/vaishali515/switchboard-gateway/pkg/metrics"
	"github.com/vaishali515/switchboard-gateway/pkg/trace"
)

// KeySource resolves a kid to a verification key. Implemented by
// keyreg.Registry.
type KeySource interface {
	Lookup(kid string) (*rsa.PublicKey, error)
}

// Gate authenticates bearer tokens against a key source and stores the
// verified identity in the request context. Zero-value fields fall back to
// sane defaults; Metrics may be nil.
type Gate struct {
	Keys        KeySource
	DefaultRole string
	Metrics     *metrics.Registry
}

// Authenticate verifies a compact RS256 token and maps its claims to an
// Identity. It returns ErrKeysNotLoaded when the registry holds no keys at
// all and ErrInvalidToken for everything else that fails.
func (g *Gate) Authenticate(token string) (Identity, error) {
	key, err := g.Keys.Lookup(ExtractKeyID(token))
	if err != nil {
		if errors.Is(err, keyreg.ErrNoKeys) {
			return Identity{}, ErrKeysNotLoaded
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return g.identityFromClaims(claims), nil
}

func (g *Gate) identityFromClaims(claims jwt.MapClaims) Identity {
	id := Identity{Role: g.DefaultRole}
	if id.Role == "" {
		id.Role = "USER"
	}
	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if v, ok := claims["userId"].(string); ok {
		id.UserID = v
	}
	switch role := claims["role"].(type) {
	case string:
		id.Role = role
	case []any:
		if len(role) > 0 {
			id.Role = fmt.Sprint(role[0])
		}
	}
	return id
}

// Middleware enforces bearer authentication on every request except OPTIONS,
// which must pass through for CORS preflight. Rejections are a bare 401 with
// an empty body.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		logger := trace.Logger(r.Context())
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			g.count("missing_token")
			logger.Info("request rejected: missing bearer token", "method", r.Method, "path", r.URL.Path)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id, err := g.Authenticate(token)
		if err != nil {
			if errors.Is(err, ErrKeysNotLoaded) {
				g.count("keys_not_loaded")
				logger.Warn("request rejected: signing keys not loaded", "method", r.Method, "path", r.URL.Path)
			} else {
				g.count("invalid_token")
				logger.Info("request rejected: invalid token", "method", r.Method, "path", r.URL.Path, "error", err)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		g.count("ok")
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (g *Gate) count(outcome string) {
	if g.Metrics != nil {
		g.Metrics.IncAuth(outcome)
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// ForwardIdentity copies the verified identity into the upstream request
// headers. Requests without an identity (bypass paths, OPTIONS) are
// forwarded unchanged.
func ForwardIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := IdentityFromContext(r.Context()); ok {
			if id.UserID != "" {
				r.Header.Set("X-User-Id", id.UserID)
			}
			if id.Subject != "" {
				r.Header.Set("X-User-Email", id.Subject)
			}
			if id.Role != "" {
				r.Header.Set("X-User-Role", id.Role)
			}
		}
		next.ServeHTTP(w, r)
	})
}
