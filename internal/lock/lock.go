// Package lock implements C3: distributed mutex keys with metadata and a
// mandatory TTL, per spec §4.3.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/electionguard/tally-orchestrator/internal/orcherr"
)

// Metadata describes who holds a lock and why.
type Metadata struct {
	InitiatingUser string         `json:"initiating_user"`
	Operation      string         `json:"operation"`
	StartTime      time.Time      `json:"start_time"`
	Context        map[string]any `json:"context,omitempty"`
}

// Locker is the C3 distributed-lock contract.
type Locker interface {
	// TryAcquire installs key only if absent (atomic test-and-set). Returns
	// true iff this call installed it.
	TryAcquire(ctx context.Context, key string, meta Metadata, ttl time.Duration) (bool, error)
	// Release deletes key unconditionally.
	Release(ctx context.Context, key string) error
}

// Standard key builders, per spec §4.3.
func TallyKey(electionID string) string { return fmt.Sprintf("lock:tally:election:%s", electionID) }

func DecryptionKey(electionID, guardianID string) string {
	return fmt.Sprintf("lock:decryption:election:%s:guardian:%s", electionID, guardianID)
}

func CombineKey(electionID string) string {
	return fmt.Sprintf("lock:combine:election:%s", electionID)
}

// RedisLocker implements Locker against a Redis SET NX EX.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker wraps an existing Redis client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, meta Metadata, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, orcherr.Validationf("try_acquire", "ttl must be positive for key %q", key)
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return false, orcherr.Validationf("try_acquire", "marshal metadata: %v", err)
	}

	ok, err := l.rdb.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		// CoordinationError: fail closed, the caller must treat the lock as
		// not acquired.
		return false, orcherr.Coordination("try_acquire", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return orcherr.Coordination("release", err)
	}
	return nil
}
