package idempotency

import (
	"strings"
	"time"
)

// TTLConfig is the pair of record lifetimes for one endpoint class.
type TTLConfig struct {
	InProgress time.Duration
	Completed  time.Duration
}

// Rule binds a "METHOD:path" pattern to a TTL pair. A pattern is an exact
// key, a single-segment wildcard ending in "/*", or a subtree wildcard
// ending in "/**".
type Rule struct {
	Pattern string
	TTL     TTLConfig
}

// Rules resolves per-endpoint TTL overrides. The list is ordered: an exact
// match always wins, then the first matching wildcard in declaration order,
// then Default.
type Rules struct {
	Default TTLConfig
	rules   []Rule
}

func NewRules(def TTLConfig, rules ...Rule) *Rules {
	return &Rules{Default: def, rules: rules}
}

func (r *Rules) Resolve(method, path string) TTLConfig {
	key := method + ":" + path
	for _, rule := range r.rules {
		if rule.Pattern == key {
			return rule.TTL
		}
	}
	for _, rule := range r.rules {
		if wildcardMatch(rule.Pattern, key) {
			return rule.TTL
		}
	}
	return r.Default
}

func wildcardMatch(pattern, key string) bool {
	if strings.HasSuffix(pattern, "/**") {
		return strings.HasPrefix(key, pattern[:len(pattern)-3])
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := pattern[:len(pattern)-2]
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return !strings.Contains(key[len(prefix):], "/")
	}
	return false
}
