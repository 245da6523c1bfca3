package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaishali515/switchboard-gateway/pkg/store"
)

type failingKV struct{ err error }

func (f failingKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, f.err
}
func (f failingKV) Get(ctx context.Context, key string) (string, error) { return "", f.err }
func (f failingKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return f.err
}

func TestTryAcquireFirstWins(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(store.NewMemoryKV(), "")

	rec, acquired, err := coord.TryAcquire(ctx, "k1", 30*time.Second)
	if err != nil || !acquired {
		t.Fatalf("expected first acquire to win, acquired=%v err=%v", acquired, err)
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %q", rec.Status)
	}
	if rec.StartedAt.Location() != time.UTC {
		t.Fatalf("expected UTC StartedAt, got %v", rec.StartedAt.Location())
	}
	if time.Since(rec.StartedAt) > time.Minute {
		t.Fatalf("expected fresh StartedAt, got %v", rec.StartedAt)
	}

	_, acquired, err = coord.TryAcquire(ctx, "k1", 30*time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if acquired {
		t.Fatal("expected second acquire to lose")
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(store.NewMemoryKV(), "")

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, acquired, err := coord.TryAcquire(ctx, "contested", 30*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if acquired {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(store.NewMemoryKV(), "")

	rec, _, err := coord.TryAcquire(ctx, "k1", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got, found, err := coord.Fetch(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("expected stored record, found=%v err=%v", found, err)
	}
	if got.Status != StatusInProgress || !got.StartedAt.Equal(rec.StartedAt) {
		t.Fatalf("expected round trip of %+v, got %+v", rec, got)
	}
}

func TestFetchAbsent(t *testing.T) {
	coord := NewCoordinator(store.NewMemoryKV(), "")
	_, found, err := coord.Fetch(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("expected no error for absent key, got %v", err)
	}
	if found {
		t.Fatal("expected absent record")
	}
}

func TestFetchDecodeError(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	if err := kv.Set(ctx, DefaultPrefix+"bad", "{not json", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	coord := NewCoordinator(kv, "")
	if _, _, err := coord.Fetch(ctx, "bad"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCompleteOverwrites(t *testing.T) {
	ctx := context.Background()
	coord := NewCoordinator(store.NewMemoryKV(), "")

	rec, _, err := coord.TryAcquire(ctx, "k1", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	body := `{"orderId":"o-1","total":42}`
	if err := coord.Complete(ctx, "k1", 201, body, rec.StartedAt, time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, found, err := coord.Fetch(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("fetch after complete: found=%v err=%v", found, err)
	}
	if got.Status != StatusCompleted || got.HTTPStatus != 201 || got.ResponseBody != body {
		t.Fatalf("unexpected completed record %+v", got)
	}
	if !got.StartedAt.Equal(rec.StartedAt) {
		t.Fatalf("expected StartedAt preserved, got %v want %v", got.StartedAt, rec.StartedAt)
	}
}

func TestExpired(t *testing.T) {
	coord := NewCoordinator(store.NewMemoryKV(), "")
	now := time.Now().UTC()
	coord.now = func() time.Time { return now }

	fresh := Record{Status: StatusInProgress, StartedAt: now.Add(-29 * time.Second)}
	overdue := Record{Status: StatusInProgress, StartedAt: now.Add(-31 * time.Second)}
	completed := Record{Status: StatusCompleted, HTTPStatus: 200, StartedAt: now.Add(-31 * time.Second)}

	if coord.Expired(fresh, 30*time.Second) {
		t.Fatal("fresh record must not be expired")
	}
	if !coord.Expired(overdue, 30*time.Second) {
		t.Fatal("overdue record must be expired")
	}
	if coord.Expired(completed, 30*time.Second) {
		t.Fatal("completed record must never be expired")
	}
}

func TestStoreKeyPrefix(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()

	custom := NewCoordinator(kv, "gw:")
	if _, _, err := custom.TryAcquire(ctx, "k1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := kv.Get(ctx, "gw:k1"); err != nil {
		t.Fatalf("expected record under custom prefix: %v", err)
	}

	def := NewCoordinator(kv, "")
	if _, _, err := def.TryAcquire(ctx, "k2", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := kv.Get(ctx, DefaultPrefix+"k2"); err != nil {
		t.Fatalf("expected record under default prefix: %v", err)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("store down")
	coord := NewCoordinator(failingKV{err: boom}, "")

	if _, _, err := coord.TryAcquire(ctx, "k", time.Minute); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped acquire error, got %v", err)
	}
	if _, _, err := coord.Fetch(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	err := coord.Complete(ctx, "k", 200, "{}", time.Now(), time.Minute)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped complete error, got %v", err)
	}
	if !strings.Contains(err.Error(), `"k"`) {
		t.Fatalf("expected key in error, got %v", err)
	}
}
