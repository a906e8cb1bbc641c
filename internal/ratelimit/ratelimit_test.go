package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/kvstore"
)

func testLimits() Limits {
	return Limits{
		Window:          200 * time.Millisecond,
		General:         5,
		Chat:            3,
		Login:           2,
		CleanupInterval: time.Hour,
	}
}

func TestLimiter_AdmitsUpToLimitThenDenies(t *testing.T) {
	store := kvstore.NewMemoryStore()
	l := New(store, testLimits(), false, zerolog.Nop())
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.IsAllowed(ctx, "1.2.3.4", ClassChat) {
			t.Fatalf("request %d should have been admitted", i+1)
		}
	}
	if l.IsAllowed(ctx, "1.2.3.4", ClassChat) {
		t.Error("4th chat request should have been denied")
	}
}

func TestLimiter_ClassesAreIndependent(t *testing.T) {
	store := kvstore.NewMemoryStore()
	l := New(store, testLimits(), false, zerolog.Nop())
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.IsAllowed(ctx, "5.6.7.8", ClassChat)
	}
	if !l.IsAllowed(ctx, "5.6.7.8", ClassGeneral) {
		t.Error("general class should not be affected by chat class exhaustion")
	}
}

func TestLimiter_WindowExpiryAdmitsAgain(t *testing.T) {
	store := kvstore.NewMemoryStore()
	limits := testLimits()
	l := New(store, limits, false, zerolog.Nop())
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < limits.Login; i++ {
		if !l.IsAllowed(ctx, "9.9.9.9", ClassLogin) {
			t.Fatalf("attempt %d should have been admitted", i+1)
		}
	}
	if l.IsAllowed(ctx, "9.9.9.9", ClassLogin) {
		t.Fatal("should be denied before window expires")
	}

	time.Sleep(limits.Window + 50*time.Millisecond)

	if !l.IsAllowed(ctx, "9.9.9.9", ClassLogin) {
		t.Error("should be admitted again once the window has elapsed")
	}
}

// TestLimiter_ConcurrentAdmissionNeverExceedsLimit checks that for a
// single (ip, class) key, the number of
// admissions across any number of concurrent callers never exceeds the
// configured limit. Regression test for the evict/count/add sequence
// previously running as three independently-locked KVStore calls, which
// allowed over-admission under concurrency.
func TestLimiter_ConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	store := kvstore.NewMemoryStore()
	limits := testLimits()
	l := New(store, limits, false, zerolog.Nop())
	defer l.Close()
	ctx := context.Background()

	const callers = 50
	var admitted int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if l.IsAllowed(ctx, "20.20.20.20", ClassChat) {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != int64(limits.Chat) {
		t.Fatalf("admitted %d requests, want exactly %d (limit)", admitted, limits.Chat)
	}
}

type brokenStore struct {
	kvstore.KVStore
}

func (brokenStore) SlidingWindowAdmit(ctx context.Context, key string, now, staleBefore float64, limit int64, member string, ttl time.Duration) (bool, error) {
	return false, kvstore.ErrUnavailable
}

func TestLimiter_FallsBackToMemoryOnBackendFailure(t *testing.T) {
	l := New(brokenStore{}, testLimits(), true, zerolog.Nop())
	defer l.Close()
	ctx := context.Background()

	if !l.IsAllowed(ctx, "10.0.0.1", ClassGeneral) {
		t.Fatal("first request should be admitted by the local fallback")
	}
	if !l.Degraded() {
		t.Error("limiter should report degraded after a backend failure")
	}
}

func TestLimiter_FailsClosedWithoutFallback(t *testing.T) {
	l := New(brokenStore{}, testLimits(), false, zerolog.Nop())
	defer l.Close()
	ctx := context.Background()

	if l.IsAllowed(ctx, "10.0.0.2", ClassGeneral) {
		t.Error("limiter without fallback should fail closed on backend error")
	}
}
