package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCounters(t *testing.T) *RedisCounters {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCounters(rdb)
}

func TestIncr_Sequential(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()
	key := PartialCounterKey("E1", "G1")

	for want := int64(1); want <= 5; want++ {
		got, err := c.Incr(ctx, key, time.Hour)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

// TestIncr_ConcurrentCountersAreExact verifies that N concurrent chunk
// completions produce exactly N as the final counter value — the property
// phase promotion (§4.9) depends on to decide "am I the last one".
func TestIncr_ConcurrentCountersAreExact(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()
	key := PartialCounterKey("E1", "G1")

	const n = 50
	var wg sync.WaitGroup
	results := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Incr(ctx, key, time.Hour)
			require.NoError(t, err)
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for v := range results {
		require.False(t, seen[v], "value %d observed twice, counter is not linearizable", v)
		seen[v] = true
	}
	require.Len(t, seen, n)
	require.True(t, seen[int64(n)], "final value must be exactly n=%d", n)
}

func TestSetFlagIfAbsent_ExactlyOneWinner(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()
	key := CompensatedQueuedTriggerKey("E1", "G1")

	const n = 20
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.SetFlagIfAbsent(ctx, key, time.Hour)
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	require.Equal(t, 1, winners, "exactly one caller must win the flag")
}
