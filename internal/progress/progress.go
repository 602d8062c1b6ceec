// Package progress implements C4: atomic counters with TTL and one-shot
// trigger flags used for phase-completion detection, per spec §4.4.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/electionguard/tally-orchestrator/internal/orcherr"
)

// Counters is the C4 contract.
type Counters interface {
	// Incr atomically increments key and returns the new value. The first
	// increment that creates the key attaches ttl so orphan counters
	// self-clean.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetFlagIfAbsent returns true iff this call was the first to set key —
	// a single-shot trigger guard so exactly one caller proceeds.
	SetFlagIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Standard key builders, per spec §4.4.
func PartialCounterKey(electionID, guardianID string) string {
	return fmt.Sprintf("counter:partial:%s:%s", electionID, guardianID)
}

func CompensatedCounterKey(electionID, guardianID string) string {
	return fmt.Sprintf("counter:compensated:%s:%s", electionID, guardianID)
}

func CompensatedQueuedTriggerKey(electionID, guardianID string) string {
	return fmt.Sprintf("trigger:compensated_queued:%s:%s", electionID, guardianID)
}

func GuardianMarkedTriggerKey(electionID, guardianID string) string {
	return fmt.Sprintf("trigger:guardian_marked:%s:%s", electionID, guardianID)
}

// RedisCounters implements Counters against Redis INCR/EXPIRE/SETNX.
type RedisCounters struct {
	rdb *redis.Client
}

func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

func (c *RedisCounters) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, orcherr.Coordination("incr", err)
	}
	if n == 1 && ttl > 0 {
		// This call created the key: attach the TTL. A failure here is not
		// fatal to the increment itself, but leaves an orphan counter, so
		// it is still surfaced as a CoordinationError for visibility.
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, orcherr.Coordination("incr:expire", err)
		}
	}
	return n, nil
}

func (c *RedisCounters) SetFlagIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, orcherr.Coordination("set_flag_if_absent", err)
	}
	return ok, nil
}
