package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process KVStore+PubSub implementation. It backs the
// local worker when the distributed backend is disabled. The backend is
// chosen once at startup; nothing switches to MemoryStore when the
// NATS-backed implementation reports itself unhealthy.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memEntry
	zset map[string]map[string]float64

	subMu sync.Mutex
	subs  map[string][]chan Envelope
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memEntry),
		zset: make(map[string]map[string]float64),
		subs: make(map[string][]chan Envelope),
	}
}

func (m *MemoryStore) expired(e memEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || m.expired(e) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = memEntry{value: stored, expires: expires}
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	present := ok && !m.expired(e)

	if expected == nil {
		if present {
			return false, nil
		}
	} else {
		if !present || string(e.value) != string(expected) {
			return false, nil
		}
	}
	m.setLocked(key, newValue, ttl)
	return true, nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zset[key]
	if !ok {
		set = make(map[string]float64)
		m.zset[key] = set
	}
	set[member] = score
	return nil
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zset[key]
	out := make([]ZMember, 0, len(set))
	for member, score := range set {
		if score >= min && score <= max {
			out = append(out, ZMember{Score: score, Member: member})
		}
	}
	return out, nil
}

func (m *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zset[key]
	if !ok {
		return nil
	}
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
		}
	}
	if len(set) == 0 {
		delete(m.zset, key)
	}
	return nil
}

// ZRemMember removes exactly member from key's sorted set, leaving any
// other member at the same score untouched.
func (m *MemoryStore) ZRemMember(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zset[key]
	if !ok {
		return nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.zset, key)
	}
	return nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zset[key])), nil
}

// SlidingWindowAdmit holds m.mu for the whole evict/count/add sequence, so
// it is trivially atomic per key: no other caller can observe the set
// between the eviction and the admission decision.
func (m *MemoryStore) SlidingWindowAdmit(ctx context.Context, key string, now, staleBefore float64, limit int64, member string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zset[key]
	if !ok {
		set = make(map[string]float64)
		m.zset[key] = set
	}
	for mem, score := range set {
		if score <= staleBefore {
			delete(set, mem)
		}
	}
	if int64(len(set)) >= limit {
		if len(set) == 0 {
			delete(m.zset, key)
		}
		return false, nil
	}
	set[member] = now
	return true, nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: true, LatencyMS: 0}
}

// Publish fans payload out to every local subscriber of topic. There is no
// durability and no cross-process delivery: that is what the NATS
// implementation is for.
func (m *MemoryStore) Publish(ctx context.Context, topic string, payload Envelope) error {
	m.subMu.Lock()
	targets := make([]chan Envelope, len(m.subs[topic]))
	copy(targets, m.subs[topic])
	m.subMu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- payload:
		default:
			// Slow subscriber: drop rather than block the publisher.
			// Delivery is at-most-once, never guaranteed.
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, 64)

	m.subMu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.subMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.subMu.Lock()
			list := m.subs[topic]
			for i, c := range list {
				if c == ch {
					m.subs[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
			m.subMu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		unsub()
	}()

	return ch, unsub, nil
}
