// Package idempotency deduplicates mutating requests that carry an
// Idempotency-Key header, so client retries observe the first execution's
// response instead of triggering the backend again.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaishali515/switchboard-gateway/pkg/store"
)

// DefaultPrefix namespaces gateway records in the shared store.
const DefaultPrefix = "idempotency:"

// Coordinator runs the per-key state machine (absent, IN_PROGRESS,
// COMPLETED, absent again on TTL eviction) over a shared KV store. It holds
// no in-process locks; the store's SetNX is the only synchronization point,
// so deduplication works across gateway replicas.
type Coordinator struct {
	kv     store.KV
	prefix string

	now func() time.Time
}

func NewCoordinator(kv store.KV, prefix string) *Coordinator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Coordinator{kv: kv, prefix: prefix, now: time.Now}
}

func (c *Coordinator) storeKey(key string) string { return c.prefix + key }

// TryAcquire claims the key by writing a fresh IN_PROGRESS record if and
// only if nothing is stored under it. Exactly one concurrent caller wins.
// The returned Record is meaningful only when acquired is true.
func (c *Coordinator) TryAcquire(ctx context.Context, key string, inProgressTTL time.Duration) (Record, bool, error) {
	rec := Record{Status: StatusInProgress, StartedAt: c.now().UTC()}
	raw, err := encodeRecord(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode in-progress record: %w", err)
	}
	acquired, err := c.kv.SetNX(ctx, c.storeKey(key), raw, inProgressTTL)
	if err != nil {
		return Record{}, false, fmt.Errorf("acquire idempotency key %q: %w", key, err)
	}
	if !acquired {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Fetch reads the stored record without side effects. Absence is reported
// via found=false, not an error.
func (c *Coordinator) Fetch(ctx context.Context, key string) (Record, bool, error) {
	raw, err := c.kv.Get(ctx, c.storeKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("fetch idempotency key %q: %w", key, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode idempotency record %q: %w", key, err)
	}
	return rec, true, nil
}

// Complete unconditionally overwrites the record with the captured response
// under the completed TTL. By the time it runs the response has already been
// delivered, so callers log failures instead of propagating them.
func (c *Coordinator) Complete(ctx context.Context, key string, httpStatus int, body string, startedAt time.Time, completedTTL time.Duration) error {
	raw, err := encodeRecord(Record{
		Status:       StatusCompleted,
		HTTPStatus:   httpStatus,
		ResponseBody: body,
		StartedAt:    startedAt,
	})
	if err != nil {
		return fmt.Errorf("encode completed record: %w", err)
	}
	if err := c.kv.Set(ctx, c.storeKey(key), raw, completedTTL); err != nil {
		return fmt.Errorf("complete idempotency key %q: %w", key, err)
	}
	return nil
}

// Expired reports whether an IN_PROGRESS record has outlived its TTL and
// the attempt that wrote it can be presumed abandoned. COMPLETED records
// are never expired here; their lifetime is the store TTL alone.
func (c *Coordinator) Expired(rec Record, inProgressTTL time.Duration) bool {
	if rec.Status != StatusInProgress {
		return false
	}
	return rec.StartedAt.Add(inProgressTTL).Before(c.now())
}
