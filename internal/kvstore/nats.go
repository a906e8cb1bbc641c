package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore is the distributed KVStore+PubSub implementation, backing
// multi-worker deployments. Plain values use a JetStream
// KeyValue bucket; sorted sets are stored as a single JSON-encoded blob per
// key and mutated with the bucket's revision-based optimistic concurrency,
// since NATS KV has no native sorted-set primitive. PubSub rides core NATS
// publish/subscribe, which is already at-most-once with no replay.
type NATSStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue
	js jetstream.JetStream
}

// NewNATSStore connects to url and binds (creating if needed) the named
// KeyValue bucket. entryTTL is the bucket's expiry: every entry is evicted
// that long after its last update, so nothing written through this store
// outlives the longest-lived record type. Records with a tighter deadline
// (sessions, refresh tokens, the login block list, shared cache entries)
// additionally carry their own expiry timestamps and are checked at read
// time.
func NewNATSStore(ctx context.Context, url, bucket string, entryTTL time.Duration) (*NATSStore, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: entryTTL})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create kv bucket %q: %w", bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv, js: js}, nil
}

// Close drains the underlying connection.
func (s *NATSStore) Close() {
	s.nc.Close()
}

func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return entry.Value(), nil
}

func (s *NATSStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// JetStream KV has no per-key TTL on Put; the bucket's TTL (set at
	// creation) evicts the entry after its last update. Callers that need
	// a tighter per-record deadline carry their own expiry timestamp in
	// the value and check it on read.
	return nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && err != jetstream.ErrKeyNotFound {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *NATSStore) CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	entry, err := s.kv.Get(ctx, key)
	present := err == nil
	if err != nil && err != jetstream.ErrKeyNotFound {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if expected == nil {
		if present {
			return false, nil
		}
		if _, err := s.kv.Create(ctx, key, newValue); err != nil {
			if err == jetstream.ErrKeyExists {
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return true, nil
	}

	if !present || string(entry.Value()) != string(expected) {
		return false, nil
	}
	if _, err := s.kv.Update(ctx, key, newValue, entry.Revision()); err != nil {
		// A concurrent writer won the race between our Get and Update.
		return false, nil
	}
	return true, nil
}

// zsetBlob is the on-wire representation of a sorted set stored under one
// KV key.
type zsetBlob struct {
	Members map[string]float64 `json:"members"`
}

func (s *NATSStore) loadZSet(ctx context.Context, key string) (zsetBlob, uint64, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return zsetBlob{Members: map[string]float64{}}, 0, false, nil
		}
		return zsetBlob{}, 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var blob zsetBlob
	if err := json.Unmarshal(entry.Value(), &blob); err != nil {
		return zsetBlob{}, 0, false, fmt.Errorf("decode zset %q: %w", key, err)
	}
	if blob.Members == nil {
		blob.Members = map[string]float64{}
	}
	return blob, entry.Revision(), true, nil
}

func (s *NATSStore) storeZSet(ctx context.Context, key string, blob zsetBlob, rev uint64, existed bool) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode zset %q: %w", key, err)
	}
	if !existed {
		_, err = s.kv.Create(ctx, key, data)
	} else {
		_, err = s.kv.Update(ctx, key, data, rev)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ZAdd retries the read-modify-write against the bucket's revision check, a
// handful of times, to tolerate a concurrent writer on the same key (e.g.
// two requests from the same client racing the sliding window).
func (s *NATSStore) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	for attempt := 0; attempt < 5; attempt++ {
		blob, rev, existed, err := s.loadZSet(ctx, key)
		if err != nil {
			return err
		}
		blob.Members[member] = score
		if err := s.storeZSet(ctx, key, blob, rev, existed); err != nil {
			if attempt < 4 {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: zadd %q exhausted retries", ErrUnavailable, key)
}

func (s *NATSStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	blob, _, _, err := s.loadZSet(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]ZMember, 0, len(blob.Members))
	for member, score := range blob.Members {
		if score >= min && score <= max {
			out = append(out, ZMember{Score: score, Member: member})
		}
	}
	return out, nil
}

func (s *NATSStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	for attempt := 0; attempt < 5; attempt++ {
		blob, rev, existed, err := s.loadZSet(ctx, key)
		if err != nil {
			return err
		}
		if !existed {
			return nil
		}
		for member, score := range blob.Members {
			if score >= min && score <= max {
				delete(blob.Members, member)
			}
		}
		if err := s.storeZSet(ctx, key, blob, rev, existed); err != nil {
			if attempt < 4 {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: zremrangebyscore %q exhausted retries", ErrUnavailable, key)
}

// ZRemMember removes exactly member from key's sorted set, retrying the
// revision-checked read-modify-write against a concurrent writer on the
// same key, the same shape ZAdd uses.
func (s *NATSStore) ZRemMember(ctx context.Context, key, member string) error {
	for attempt := 0; attempt < 5; attempt++ {
		blob, rev, existed, err := s.loadZSet(ctx, key)
		if err != nil {
			return err
		}
		if !existed {
			return nil
		}
		delete(blob.Members, member)
		if err := s.storeZSet(ctx, key, blob, rev, existed); err != nil {
			if attempt < 4 {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: zremmember %q exhausted retries", ErrUnavailable, key)
}

func (s *NATSStore) ZCard(ctx context.Context, key string) (int64, error) {
	blob, _, _, err := s.loadZSet(ctx, key)
	if err != nil {
		return 0, err
	}
	return int64(len(blob.Members)), nil
}

// SlidingWindowAdmit runs the whole evict/count/add sequence as one
// revision-checked read-modify-write against the KV bucket: the blob is
// read once, stale members are evicted, the admission decision is made
// against the post-eviction count, and the (possibly admitted) blob is
// written back conditioned on the revision observed at read time. If a
// concurrent writer updates the same key first, jetstream.Update fails and
// the whole evict/count/add sequence is retried from a fresh read — no
// caller can ever observe a stale count and be wrongly admitted.
func (s *NATSStore) SlidingWindowAdmit(ctx context.Context, key string, now, staleBefore float64, limit int64, member string, ttl time.Duration) (bool, error) {
	for attempt := 0; attempt < 5; attempt++ {
		blob, rev, existed, err := s.loadZSet(ctx, key)
		if err != nil {
			return false, err
		}
		for m, score := range blob.Members {
			if score <= staleBefore {
				delete(blob.Members, m)
			}
		}
		if int64(len(blob.Members)) >= limit {
			return false, nil
		}
		blob.Members[member] = now
		if err := s.storeZSet(ctx, key, blob, rev, existed); err != nil {
			if attempt < 4 {
				continue
			}
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: sliding window admit %q exhausted retries", ErrUnavailable, key)
}

func (s *NATSStore) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := s.kv.Status(ctx)
	latency := time.Since(start).Milliseconds()
	return HealthStatus{Healthy: err == nil, LatencyMS: latency}
}

// Publish sends payload on topic via core NATS. Delivery is fire-and-forget:
// a subscriber that is not currently connected simply misses it.
func (s *NATSStore) Publish(ctx context.Context, topic string, payload Envelope) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := s.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *NATSStore) Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error) {
	out := make(chan Envelope, 256)

	sub, err := s.nc.Subscribe(topic, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		select {
		case out <- env:
		default:
			// Slow consumer: drop rather than block the NATS dispatch loop.
		}
	})
	if err != nil {
		close(out)
		return nil, func() {}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	unsub := func() {
		_ = sub.Unsubscribe()
		close(out)
	}
	go func() {
		<-ctx.Done()
		unsub()
	}()

	return out, unsub, nil
}
