// Package cache implements the response cache: fingerprint -> reply
// entries with TTL and LRU capacity eviction, plus the in-flight
// deduplication that collapses N concurrent misses for the same
// fingerprint into exactly one pipeline run.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/matcher"
	"github.com/kosee-dev/chatfleet/internal/metrics"
)

// Entry is one cached reply.
type Entry struct {
	Reply      string    `json:"reply"`
	SourceTag  string    `json:"source_tag"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fingerprint builds the cache key: a hash of the normalized message,
// locale, and user role. normalized must already have passed through
// NormalizeMessage, since both the cache and the fuzzy matcher need to
// agree on what "the same message" means.
func Fingerprint(normalized, locale, userRole string) string {
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte(":"))
	h.Write([]byte(locale))
	h.Write([]byte(":"))
	h.Write([]byte(userRole))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeFunc runs the matcher pipeline on a cache miss.
type ComputeFunc func(ctx context.Context) (Entry, error)

// Cache is a local bounded LRU+TTL store with an in-process in-flight
// dedup guard, and an optional KVStore-backed shared tier for cross-worker
// reuse. The in-flight guard itself is always local: cross-worker
// deduplication is deliberately not attempted.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	inflight map[string]*pending

	shared kvstore.KVStore // nil unless response_cache.shared is enabled
}

type cacheItem struct {
	key     string
	entry   Entry
	expires time.Time
}

type pending struct {
	done  chan struct{}
	entry Entry
	err   error
}

// New builds a Cache with the given capacity and TTL. shared may be nil.
func New(capacity int, ttl time.Duration, shared kvstore.KVStore) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*pending),
		shared:   shared,
	}
}

// GetOrCompute returns the cached entry on a hit; on a miss, exactly one
// caller runs compute while every other concurrent caller for the same
// fingerprint awaits its result. If the owner fails, the marker clears and
// every waiter independently retries; the orchestrator's own deadline
// bounds total wait time.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) (Entry, error) {
	if entry, ok := c.get(fingerprint); ok {
		metrics.CacheHits.Inc()
		return entry, nil
	}

	c.mu.Lock()
	if p, ok := c.inflight[fingerprint]; ok {
		c.mu.Unlock()
		metrics.CacheDedup.Inc()
		select {
		case <-p.done:
			if p.err != nil {
				// The owner failed; this waiter retries independently
				// rather than propagating the owner's error.
				return c.GetOrCompute(ctx, fingerprint, compute)
			}
			return p.entry, nil
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}

	p := &pending{done: make(chan struct{})}
	c.inflight[fingerprint] = p
	c.mu.Unlock()
	metrics.CacheMisses.Inc()

	entry, err := compute(ctx)

	c.mu.Lock()
	delete(c.inflight, fingerprint)
	c.mu.Unlock()

	p.entry, p.err = entry, err
	close(p.done)

	if err != nil {
		return Entry{}, err
	}

	entry.CreatedAt = time.Now().UTC()
	c.put(fingerprint, entry)
	return entry, nil
}

func (c *Cache) get(fingerprint string) (Entry, bool) {
	c.mu.Lock()
	el, ok := c.entries[fingerprint]
	if ok {
		item := el.Value.(*cacheItem)
		if time.Now().After(item.expires) {
			c.removeLocked(el)
			ok = false
		} else {
			c.order.MoveToFront(el)
		}
	}
	var out Entry
	if ok {
		out = el.Value.(*cacheItem).entry
	}
	c.mu.Unlock()

	if ok {
		return out, true
	}
	if c.shared == nil {
		return Entry{}, false
	}
	return c.getShared(fingerprint)
}

func (c *Cache) getShared(fingerprint string) (Entry, bool) {
	data, err := c.shared.Get(context.Background(), sharedKey(fingerprint))
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false
	}
	// The shared tier's backend TTL is a cleanup backstop; the entry's own
	// age is the authority.
	if time.Since(entry.CreatedAt) > c.ttl {
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) put(fingerprint string, entry Entry) {
	c.mu.Lock()
	if el, ok := c.entries[fingerprint]; ok {
		el.Value.(*cacheItem).entry = entry
		el.Value.(*cacheItem).expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
	} else {
		item := &cacheItem{key: fingerprint, entry: entry, expires: time.Now().Add(c.ttl)}
		el := c.order.PushFront(item)
		c.entries[fingerprint] = el
		for c.order.Len() > c.capacity {
			oldest := c.order.Back()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest)
			metrics.CacheEvictions.WithLabelValues("capacity").Inc()
		}
	}
	c.mu.Unlock()

	if c.shared != nil {
		if data, err := json.Marshal(entry); err == nil {
			_ = c.shared.Set(context.Background(), sharedKey(fingerprint), data, c.ttl)
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	item := el.Value.(*cacheItem)
	c.order.Remove(el)
	delete(c.entries, item.key)
}

func sharedKey(fingerprint string) string { return "cache:reply:" + fingerprint }

// NormalizeMessage trims and collapses whitespace over the matcher's own
// Turkish fold (lowercasing plus the full diacritic mapping), so the cache
// fingerprint and the matcher agree on what "the same message" means:
// "öğretmen" and "ogretmen" produce one cache key, exactly as the matcher
// treats them as one message.
func NormalizeMessage(s string) string {
	folded := matcher.FoldDiacritics(s)
	return strings.Join(strings.Fields(folded), " ")
}
