package session

import (
	"context"
	"sync"
	"time"

	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/metrics"
)

// MemoryStore is the single-writer-lock in-memory session store used when
// a worker runs without a shared backend. Every mutation updates the
// primary map and both secondary indexes under the same lock, so the three
// never drift apart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Info
	byWorker map[string]map[string]struct{}
	byUser   map[string]map[string]struct{}
	ttl      time.Duration
}

// NewMemoryStore builds an empty in-process SessionStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{
		sessions: make(map[string]Info),
		byWorker: make(map[string]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
		ttl:      ttl,
	}
}

func (m *MemoryStore) Create(ctx context.Context, info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[info.SessionID]; exists {
		return ErrAlreadyExists
	}
	m.sessions[info.SessionID] = info
	addToIndex(m.byWorker, info.WorkerID, info.SessionID)
	addToIndex(m.byUser, info.UserID, info.SessionID)
	metrics.SessionsActive.Inc()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if m.ttl > 0 && time.Since(info.LastActivity) > m.ttl {
		m.deleteLocked(sessionID)
		return nil, nil
	}
	out := info
	return &out, nil
}

func (m *MemoryStore) UpdateActivity(ctx context.Context, sessionID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	info.LastActivity = now
	m.sessions[sessionID] = info
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sessionID)
	return nil
}

func (m *MemoryStore) deleteLocked(sessionID string) {
	info, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	removeFromIndex(m.byWorker, info.WorkerID, sessionID)
	removeFromIndex(m.byUser, info.UserID, sessionID)
	metrics.SessionsActive.Dec()
}

func (m *MemoryStore) ListByWorker(ctx context.Context, workerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return indexMembers(m.byWorker, workerID), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return indexMembers(m.byUser, userID), nil
}

func (m *MemoryStore) CountAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sessions)), nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) kvstore.HealthStatus {
	return kvstore.HealthStatus{Healthy: true, LatencyMS: 0}
}

func addToIndex(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
}

func indexMembers(index map[string]map[string]struct{}, key string) []string {
	set := index[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out
}
