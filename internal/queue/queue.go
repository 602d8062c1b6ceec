// Package queue implements C6: durable, per-task-type work queues with
// consumer prefetch=1 semantics, per spec §4.6.
//
// Message ordering is best-effort: correctness never depends on queue
// order, only on the scheduler's publication order (spec §5). The
// implementation uses Redis's reliable-queue pattern (BRPOPLPUSH into a
// per-consumer processing list) so a crashed consumer's in-flight message
// can be recovered and requeued rather than lost.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/electionguard/tally-orchestrator/internal/orcherr"
)

// ErrEmpty is returned by Consume when no message arrives before the
// supplied timeout elapses.
var ErrEmpty = errors.New("queue: empty")

// Message is one unit of work pulled from a queue. Payload is the
// transport-codec-encoded task payload (see internal/worker's tagged
// variants); Attempt starts at 1.
type Message struct {
	ID       string `json:"id"`
	TaskType string `json:"task_type"`
	Payload  []byte `json:"payload"`
	Attempt  int    `json:"attempt"`
}

// Queue is the C6 contract.
type Queue interface {
	// Publish enqueues payload for taskType.
	Publish(ctx context.Context, taskType string, id string, payload []byte) error
	// Consume blocks up to timeout for one message, moving it into a
	// per-consumer processing list (prefetch=1: a consumer never holds
	// more than one in-flight message at a time — callers must not call
	// Consume again for the same consumerID until Ack/Nack completes).
	Consume(ctx context.Context, taskType, consumerID string, timeout time.Duration) (*Message, error)
	// Ack removes msg from the processing list: successful, terminal.
	Ack(ctx context.Context, consumerID string, msg *Message) error
	// Nack requeues msg (incrementing Attempt) if attempt < maxRetry, else
	// moves it to the dead-letter list for taskType.
	Nack(ctx context.Context, consumerID string, msg *Message, maxRetry int) error
}

func mainKey(taskType string) string { return fmt.Sprintf("queue:%s", taskType) }

func processingKey(taskType, consumerID string) string {
	return fmt.Sprintf("queue:%s:processing:%s", taskType, consumerID)
}

func deadLetterKey(taskType string) string { return fmt.Sprintf("queue:%s:dead", taskType) }

// RedisQueue implements Queue over Redis lists.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Publish(ctx context.Context, taskType, id string, payload []byte) error {
	msg := Message{ID: id, TaskType: taskType, Payload: payload, Attempt: 1}
	data, err := json.Marshal(msg)
	if err != nil {
		return orcherr.Validationf("publish", "marshal message: %v", err)
	}
	if err := q.rdb.LPush(ctx, mainKey(taskType), data).Err(); err != nil {
		return orcherr.Coordination("publish", err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, taskType, consumerID string, timeout time.Duration) (*Message, error) {
	data, err := q.rdb.BRPopLPush(ctx, mainKey(taskType), processingKey(taskType, consumerID), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, orcherr.Coordination("consume", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, orcherr.Statef("consume", "decode message: %v", err)
	}
	return &msg, nil
}

func (q *RedisQueue) Ack(ctx context.Context, consumerID string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return orcherr.Validationf("ack", "marshal message: %v", err)
	}
	if err := q.rdb.LRem(ctx, processingKey(msg.TaskType, consumerID), 1, data).Err(); err != nil {
		return orcherr.Coordination("ack", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, consumerID string, msg *Message, maxRetry int) error {
	old, err := json.Marshal(msg)
	if err != nil {
		return orcherr.Validationf("nack", "marshal message: %v", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(msg.TaskType, consumerID), 1, old)

	if msg.Attempt < maxRetry {
		next := *msg
		next.Attempt++
		data, err := json.Marshal(next)
		if err != nil {
			return orcherr.Validationf("nack", "marshal requeued message: %v", err)
		}
		pipe.LPush(ctx, mainKey(msg.TaskType), data)
	} else {
		pipe.LPush(ctx, deadLetterKey(msg.TaskType), old)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return orcherr.Coordination("nack", err)
	}
	return nil
}
