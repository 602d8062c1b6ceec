package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisQueue(rdb)
}

func TestPublishConsumeAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "tally", "chunk-1", []byte("payload")))

	msg, err := q.Consume(ctx, "tally", "worker-a", time.Second)
	require.NoError(t, err)
	require.Equal(t, "chunk-1", msg.ID)
	require.Equal(t, 1, msg.Attempt)

	require.NoError(t, q.Ack(ctx, "worker-a", msg))
}

func TestConsume_EmptyTimesOut(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Consume(context.Background(), "tally", "worker-a", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestNack_RequeuesUntilMaxRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "partial", "chunk-1", []byte("p")))

	msg, err := q.Consume(ctx, "partial", "w1", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, "w1", msg, 3))

	// Should be requeued with attempt incremented.
	msg2, err := q.Consume(ctx, "partial", "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, msg2.Attempt)

	require.NoError(t, q.Nack(ctx, "w1", msg2, 3))
	msg3, err := q.Consume(ctx, "partial", "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, msg3.Attempt)

	// attempt(3) is not < maxRetry(3), so this Nack goes to the dead letter
	// list instead of requeuing again.
	require.NoError(t, q.Nack(ctx, "w1", msg3, 3))
	_, err = q.Consume(ctx, "partial", "w1", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestPrefetchOne_ConsumerHoldsOnlyOneInFlight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "tally", "c1", []byte("1")))
	require.NoError(t, q.Publish(ctx, "tally", "c2", []byte("2")))

	msg1, err := q.Consume(ctx, "tally", "w1", time.Second)
	require.NoError(t, err)

	// A second consumer pulls the other message independently; w1's
	// in-flight message is untouched until it Acks.
	msg2, err := q.Consume(ctx, "tally", "w2", time.Second)
	require.NoError(t, err)
	require.NotEqual(t, msg1.ID, msg2.ID)

	require.NoError(t, q.Ack(ctx, "w1", msg1))
	require.NoError(t, q.Ack(ctx, "w2", msg2))
}

// TestPublishConsumeAck_RealRedis exercises the same reliable-queue
// transition against an actual Redis server rather than miniredis's
// reimplementation, the same belt-and-braces real-backend check
// internal/archive runs against a real MinIO container.
func TestPublishConsumeAck_RealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7.2-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	connStr, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewRedisQueue(rdb)
	require.NoError(t, q.Publish(ctx, "tally", "chunk-1", []byte("payload")))

	msg, err := q.Consume(ctx, "tally", "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), msg.Payload)
	require.Equal(t, 1, msg.Attempt)

	require.NoError(t, q.Ack(ctx, "w1", msg))
	_, err = q.Consume(ctx, "tally", "w1", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}
