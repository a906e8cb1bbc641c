// Package session persists the session_id -> Info map with TTL, secondary
// indexes by worker and by user, and a health check on every
// implementation. Secondary indexes are kept in sync with the primary map
// on every mutation, so worker-loss cleanup and multi-device lookups never
// see a session the primary map has already forgotten.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/kosee-dev/chatfleet/internal/kvstore"
)

// ErrAlreadyExists is returned by Create when session_id collides.
var ErrAlreadyExists = fmt.Errorf("session: already exists")

// Info is the persisted record for one WebSocket session.
type Info struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	WorkerID     string            `json:"worker_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store is the SessionStore contract.
type Store interface {
	Create(ctx context.Context, info Info) error
	Get(ctx context.Context, sessionID string) (*Info, error)
	UpdateActivity(ctx context.Context, sessionID string, now time.Time) error
	Delete(ctx context.Context, sessionID string) error
	ListByWorker(ctx context.Context, workerID string) ([]string, error)
	ListByUser(ctx context.Context, userID string) ([]string, error)
	CountAll(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) kvstore.HealthStatus
}

const defaultTTL = 24 * time.Hour

func sessionKey(id string) string         { return "ws:session:" + id }
func workerIndexKey(worker string) string { return "ws:worker:" + worker }
func userIndexKey(user string) string     { return "ws:user:" + user }
