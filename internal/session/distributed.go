package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/metrics"
)

const countKey = "ws:session-count"

// DistributedStore persists sessions through a shared KVStore, so a
// session created on one worker is visible to every other worker after a
// restart. Only the session record survives a worker loss; buffered frames
// do not. Secondary indexes are maintained as sorted sets keyed by worker
// and by user; the score is the session's creation time, used only for
// ordering, not expiry.
type DistributedStore struct {
	kv  kvstore.KVStore
	ttl time.Duration
}

// NewDistributedStore builds a DistributedStore with the given session TTL.
func NewDistributedStore(kv kvstore.KVStore, ttl time.Duration) *DistributedStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &DistributedStore{kv: kv, ttl: ttl}
}

func (s *DistributedStore) Create(ctx context.Context, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", info.SessionID, err)
	}

	// The raw entry is kept for three session TTLs so Get still finds an
	// idle session and can clear its index memberships and the counter.
	ok, err := s.kv.CAS(ctx, sessionKey(info.SessionID), nil, data, 3*s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	score := float64(info.CreatedAt.UnixMilli())
	if err := s.kv.ZAdd(ctx, workerIndexKey(info.WorkerID), score, info.SessionID, s.ttl); err != nil {
		return fmt.Errorf("index session %s by worker: %w", info.SessionID, err)
	}
	if err := s.kv.ZAdd(ctx, userIndexKey(info.UserID), score, info.SessionID, s.ttl); err != nil {
		return fmt.Errorf("index session %s by user: %w", info.SessionID, err)
	}
	if err := s.adjustCount(ctx, 1); err != nil {
		return fmt.Errorf("adjust session count: %w", err)
	}
	metrics.SessionsActive.Inc()
	return nil
}

// adjustCount applies delta to the shared session counter with a
// compare-and-set retry loop, the same optimistic-concurrency shape ZAdd
// uses for sorted sets.
func (s *DistributedStore) adjustCount(ctx context.Context, delta int64) error {
	for attempt := 0; attempt < 5; attempt++ {
		current, err := s.kv.Get(ctx, countKey)
		var n int64
		if err != nil {
			if err != kvstore.ErrNotFound {
				return err
			}
			current = nil
		} else {
			n, _ = strconv.ParseInt(string(current), 10, 64)
		}
		next := n + delta
		if next < 0 {
			next = 0
		}
		ok, err := s.kv.CAS(ctx, countKey, current, []byte(strconv.FormatInt(next, 10)), 0)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("adjust count: exhausted retries")
}

// Get returns nil on miss or expiry: an entry idle past the TTL is removed
// (entry, both indexes, counter) as a side effect, the same way the
// in-memory store expires on read.
func (s *DistributedStore) Get(ctx context.Context, sessionID string) (*Info, error) {
	info, err := s.load(ctx, sessionID)
	if err != nil || info == nil {
		return nil, err
	}
	if s.ttl > 0 && time.Since(info.LastActivity) > s.ttl {
		if err := s.remove(ctx, *info); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return info, nil
}

// load reads and decodes the raw entry without applying expiry.
func (s *DistributedStore) load(ctx context.Context, sessionID string) (*Info, error) {
	data, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &info, nil
}

func (s *DistributedStore) UpdateActivity(ctx context.Context, sessionID string, now time.Time) error {
	data, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	info.LastActivity = now

	updated, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	return s.kv.Set(ctx, sessionKey(sessionID), updated, 3*s.ttl)
}

func (s *DistributedStore) Delete(ctx context.Context, sessionID string) error {
	info, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	return s.remove(ctx, *info)
}

// remove drops the entry, both secondary-index memberships, and the shared
// counter; used by Delete and by Get's expiry path.
func (s *DistributedStore) remove(ctx context.Context, info Info) error {
	if err := s.kv.Delete(ctx, sessionKey(info.SessionID)); err != nil {
		return err
	}
	if err := s.removeFromIndex(ctx, workerIndexKey(info.WorkerID), info.SessionID); err != nil {
		return err
	}
	if err := s.removeFromIndex(ctx, userIndexKey(info.UserID), info.SessionID); err != nil {
		return err
	}
	if err := s.adjustCount(ctx, -1); err != nil {
		return fmt.Errorf("adjust session count: %w", err)
	}
	metrics.SessionsActive.Dec()
	return nil
}

// removeFromIndex drops sessionID from a sorted-set index, since the index
// is a membership set, not a time window. It removes the single member by
// key rather than by score range: two sessions created for the same
// worker/user in the same millisecond share a score, and a range delete
// would evict both instead of just the one being deleted.
func (s *DistributedStore) removeFromIndex(ctx context.Context, indexKey, sessionID string) error {
	return s.kv.ZRemMember(ctx, indexKey, sessionID)
}

func (s *DistributedStore) ListByWorker(ctx context.Context, workerID string) ([]string, error) {
	return s.listIndex(ctx, workerIndexKey(workerID))
}

func (s *DistributedStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	return s.listIndex(ctx, userIndexKey(userID))
}

func (s *DistributedStore) listIndex(ctx context.Context, indexKey string) ([]string, error) {
	members, err := s.kv.ZRangeByScore(ctx, indexKey, -1<<62, 1<<62)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Member)
	}
	return out, nil
}

// CountAll reads the shared counter Create/Delete maintain alongside the
// secondary indexes, since the KVStore contract has no scan primitive to
// count sessions directly.
func (s *DistributedStore) CountAll(ctx context.Context) (int64, error) {
	data, err := s.kv.Get(ctx, countKey)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode session count: %w", err)
	}
	return n, nil
}

func (s *DistributedStore) HealthCheck(ctx context.Context) kvstore.HealthStatus {
	return s.kv.HealthCheck(ctx)
}
