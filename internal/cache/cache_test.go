package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFingerprint_NormalizedInputsAgree(t *testing.T) {
	a := Fingerprint(NormalizeMessage("  Merhaba   Dünya "), "tr", "user")
	b := Fingerprint(NormalizeMessage("merhaba dünya"), "tr", "user")
	if a != b {
		t.Error("whitespace and case differences must fingerprint identically")
	}

	c := Fingerprint(NormalizeMessage("merhaba dünya"), "en", "user")
	if a == c {
		t.Error("different locales must fingerprint differently")
	}
}

func TestNormalizeMessage_TurkishDottedI(t *testing.T) {
	if NormalizeMessage("İstanbul") != NormalizeMessage("istanbul") {
		t.Error("dotted capital İ must fold to the same form as lowercase i")
	}
}

// The fingerprint and the matcher share one Turkish fold: a message typed
// with diacritics and its plain-ASCII variant must land on the same cache
// key, since the matcher answers them identically.
func TestNormalizeMessage_FoldsAllTurkishDiacritics(t *testing.T) {
	if got := NormalizeMessage("Çalışma  Şekli Öğretmen Üzüm Iğdır"); got != "calisma sekli ogretmen uzum igdir" {
		t.Fatalf("got %q", got)
	}
	if NormalizeMessage("öğretmen") != NormalizeMessage("ogretmen") {
		t.Error("diacritic variants must normalize identically")
	}
	a := Fingerprint(NormalizeMessage("güle güle"), "tr", "user")
	b := Fingerprint(NormalizeMessage("gule gule"), "tr", "user")
	if a != b {
		t.Error("diacritic variants must fingerprint identically")
	}
}

func TestGetOrCompute_HitSkipsCompute(t *testing.T) {
	c := New(10, time.Minute, nil)
	ctx := context.Background()

	var calls int32
	compute := func(ctx context.Context) (Entry, error) {
		atomic.AddInt32(&calls, 1)
		return Entry{Reply: "Merhaba!", SourceTag: "static", Confidence: 0.9}, nil
	}

	for i := 0; i < 3; i++ {
		entry, err := c.GetOrCompute(ctx, "fp1", compute)
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if entry.Reply != "Merhaba!" {
			t.Fatalf("got reply %q", entry.Reply)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("compute ran %d times, want 1", got)
	}
}

// TestGetOrCompute_ConcurrentMissesComputeOnce exercises the in-flight
// dedup guard: N concurrent misses for the same fingerprint run the
// pipeline exactly once, and every caller observes the same reply.
func TestGetOrCompute_ConcurrentMissesComputeOnce(t *testing.T) {
	c := New(10, time.Minute, nil)
	ctx := context.Background()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (Entry, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return Entry{Reply: "computed", SourceTag: "generator", Confidence: 0.5}, nil
	}
	var waiterComputes int32
	await := func(ctx context.Context) (Entry, error) {
		atomic.AddInt32(&waiterComputes, 1)
		return Entry{Reply: "computed", SourceTag: "generator", Confidence: 0.5}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.GetOrCompute(ctx, "fp-dedup", compute); err != nil {
			t.Errorf("owner GetOrCompute: %v", err)
		}
	}()
	<-started

	const waiters = 8
	replies := make([]string, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer wg.Done()
			entry, err := c.GetOrCompute(ctx, "fp-dedup", await)
			if err != nil {
				t.Errorf("waiter GetOrCompute: %v", err)
				return
			}
			replies[i] = entry.Reply
		}(i)
	}

	// Give the waiters a moment to park on the pending marker, then let the
	// owner finish.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("compute ran %d times, want exactly 1", got)
	}
	if got := atomic.LoadInt32(&waiterComputes); got != 0 {
		t.Fatalf("%d waiters ran their own compute while the owner was in flight", got)
	}
	for i, r := range replies {
		if r != "computed" {
			t.Errorf("waiter %d got %q, want the owner's reply", i, r)
		}
	}
}

func TestGetOrCompute_WaiterRetriesAfterOwnerFailure(t *testing.T) {
	c := New(10, time.Minute, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	failing := func(ctx context.Context) (Entry, error) {
		close(started)
		<-release
		return Entry{}, errors.New("pipeline exploded")
	}
	succeeding := func(ctx context.Context) (Entry, error) {
		return Entry{Reply: "second try", SourceTag: "static"}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.GetOrCompute(ctx, "fp-fail", failing); err == nil {
			t.Error("owner should have returned its own failure")
		}
	}()
	<-started

	waiterDone := make(chan Entry, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		entry, err := c.GetOrCompute(ctx, "fp-fail", succeeding)
		if err != nil {
			t.Errorf("waiter retry: %v", err)
			return
		}
		waiterDone <- entry
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	entry := <-waiterDone
	if entry.Reply != "second try" {
		t.Errorf("got %q, want the waiter's own retry result", entry.Reply)
	}
}

func TestCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, time.Minute, nil)
	ctx := context.Background()

	mk := func(reply string) ComputeFunc {
		return func(ctx context.Context) (Entry, error) {
			return Entry{Reply: reply}, nil
		}
	}

	c.GetOrCompute(ctx, "a", mk("A"))
	c.GetOrCompute(ctx, "b", mk("B"))
	c.GetOrCompute(ctx, "a", mk("A2")) // touch a, so b is now the oldest
	c.GetOrCompute(ctx, "c", mk("C"))  // evicts b

	if entry, _ := c.GetOrCompute(ctx, "a", mk("recomputed")); entry.Reply != "A" {
		t.Errorf("a should have survived eviction, got %q", entry.Reply)
	}
	if entry, _ := c.GetOrCompute(ctx, "b", mk("recomputed")); entry.Reply != "recomputed" {
		t.Errorf("b should have been evicted and recomputed, got %q", entry.Reply)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 30*time.Millisecond, nil)
	ctx := context.Background()

	first := func(ctx context.Context) (Entry, error) { return Entry{Reply: "fresh"}, nil }
	second := func(ctx context.Context) (Entry, error) { return Entry{Reply: "recomputed"}, nil }

	c.GetOrCompute(ctx, "k", first)
	time.Sleep(60 * time.Millisecond)

	entry, err := c.GetOrCompute(ctx, "k", second)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if entry.Reply != "recomputed" {
		t.Errorf("got %q, want recomputation after TTL expiry", entry.Reply)
	}
}
