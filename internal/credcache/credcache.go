// Package credcache implements C2: a TTL-bounded transient store for
// decrypted guardian key material, per spec §4.2.
//
// Entries are never persisted to durable storage. A missing get returns
// ErrAbsent rather than panicking or returning a zero value silently — the
// caller (phase promotion, §4.9) treats that as a hard failure.
package credcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/electionguard/tally-orchestrator/internal/orcherr"
)

// ErrAbsent is returned by Get* when no entry exists for the given key
// (never written, cleared, or TTL-expired).
var ErrAbsent = errors.New("credcache: entry absent")

// Cache is the C2 contract.
type Cache interface {
	Put(ctx context.Context, electionID, guardianID string, privateKey, polynomial []byte, ttl time.Duration) error
	GetPrivateKey(ctx context.Context, electionID, guardianID string) ([]byte, error)
	GetPolynomial(ctx context.Context, electionID, guardianID string) ([]byte, error)
	Has(ctx context.Context, electionID, guardianID string) (bool, error)
	// Clear removes both fields atomically. Clearing an absent entry is not
	// an error.
	Clear(ctx context.Context, electionID, guardianID string) error
}

func privKeyField(prefix, electionID, guardianID string) string {
	return fmt.Sprintf("%s:%s:%s:priv", prefix, electionID, guardianID)
}

func polyField(prefix, electionID, guardianID string) string {
	return fmt.Sprintf("%s:%s:%s:poly", prefix, electionID, guardianID)
}

// RedisCache implements Cache against Redis, namespaced by a configurable
// key prefix (config.CredentialConfig.KeyPrefix).
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "cred"
	}
	return &RedisCache{rdb: rdb, prefix: keyPrefix}
}

func (c *RedisCache) Put(ctx context.Context, electionID, guardianID string, privateKey, polynomial []byte, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, privKeyField(c.prefix, electionID, guardianID), privateKey, ttl)
	pipe.Set(ctx, polyField(c.prefix, electionID, guardianID), polynomial, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return orcherr.Coordination("put", err)
	}
	return nil
}

func (c *RedisCache) GetPrivateKey(ctx context.Context, electionID, guardianID string) ([]byte, error) {
	return c.get(ctx, privKeyField(c.prefix, electionID, guardianID))
}

func (c *RedisCache) GetPolynomial(ctx context.Context, electionID, guardianID string) ([]byte, error) {
	return c.get(ctx, polyField(c.prefix, electionID, guardianID))
}

func (c *RedisCache) get(ctx context.Context, field string) ([]byte, error) {
	v, err := c.rdb.Get(ctx, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, orcherr.Coordination("get", err)
	}
	return v, nil
}

func (c *RedisCache) Has(ctx context.Context, electionID, guardianID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, privKeyField(c.prefix, electionID, guardianID), polyField(c.prefix, electionID, guardianID)).Result()
	if err != nil {
		return false, orcherr.Coordination("has", err)
	}
	return n == 2, nil
}

func (c *RedisCache) Clear(ctx context.Context, electionID, guardianID string) error {
	if err := c.rdb.Del(ctx, privKeyField(c.prefix, electionID, guardianID), polyField(c.prefix, electionID, guardianID)).Err(); err != nil {
		return orcherr.Coordination("clear", err)
	}
	return nil
}
