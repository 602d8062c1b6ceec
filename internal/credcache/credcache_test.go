package credcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCache(rdb, "cred"), mr
}

func TestPutGet_RoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "E1", "G1", []byte("priv"), []byte("poly"), time.Hour))

	priv, err := c.GetPrivateKey(ctx, "E1", "G1")
	require.NoError(t, err)
	require.Equal(t, []byte("priv"), priv)

	poly, err := c.GetPolynomial(ctx, "E1", "G1")
	require.NoError(t, err)
	require.Equal(t, []byte("poly"), poly)

	has, err := c.Has(ctx, "E1", "G1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestGet_AbsentReturnsErrAbsent(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.GetPrivateKey(context.Background(), "E1", "nope")
	require.ErrorIs(t, err, ErrAbsent)
}

func TestClear_RemovesBothFieldsAtomically(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "E1", "G1", []byte("priv"), []byte("poly"), time.Hour))

	require.NoError(t, c.Clear(ctx, "E1", "G1"))

	_, err := c.GetPrivateKey(ctx, "E1", "G1")
	require.ErrorIs(t, err, ErrAbsent)
	_, err = c.GetPolynomial(ctx, "E1", "G1")
	require.ErrorIs(t, err, ErrAbsent)

	has, err := c.Has(ctx, "E1", "G1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestClear_AbsentEntryIsNotAnError(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Clear(context.Background(), "E1", "never-submitted"))
}

// TestTTL_EntriesExpire exercises credential hygiene (spec §8): after a
// guardian is marked decrypted (or the TTL simply elapses), get* must
// return absent, never stale data.
func TestTTL_EntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "E1", "G1", []byte("priv"), []byte("poly"), 50*time.Millisecond))

	mr.FastForward(100 * time.Millisecond)

	_, err := c.GetPrivateKey(ctx, "E1", "G1")
	require.ErrorIs(t, err, ErrAbsent)
}
