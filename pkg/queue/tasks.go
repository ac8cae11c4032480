package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/conductor/pkg/contracts"
)

const defaultPopTimeout = time.Second

// TaskQueue is a FIFO of encoded tasks stored in a Redis list. Producers RPUSH, consumers
// BLPOP. A popped task is gone: there is no acknowledgment, so a consumer that dies before
// finishing loses it.
type TaskQueue struct {
	client     *redis.Client
	key        string
	popTimeout time.Duration
}

// TaskQueueOption configures a TaskQueue.
type TaskQueueOption func(*TaskQueue)

// WithPopTimeout bounds each BLPOP. Pop re-issues the command until a task arrives or the
// context ends, so this only controls how quickly cancellation is noticed.
func WithPopTimeout(d time.Duration) TaskQueueOption {
	return func(q *TaskQueue) {
		if d > 0 {
			q.popTimeout = d
		}
	}
}

// NewTaskQueue returns a queue on the Redis list named key.
func NewTaskQueue(client *redis.Client, key string, opts ...TaskQueueOption) *TaskQueue {
	q := &TaskQueue{
		client:     client,
		key:        key,
		popTimeout: defaultPopTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key returns the name of the backing list.
func (q *TaskQueue) Key() string { return q.key }

// Enqueue appends a task to the tail of the queue.
func (q *TaskQueue) Enqueue(ctx context.Context, t *contracts.Task) error {
	data, err := t.Encode()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue task for session %s: %w", t.SessionID, err)
	}
	return nil
}

// Pop blocks until a payload is available at the head of the queue or ctx ends. The payload
// is returned undecoded; deciding what to do with a malformed one is the caller's job.
func (q *TaskQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.client.BLPop(ctx, q.popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("pop task: %w", err)
		}
		// BLPOP replies with [key, value].
		if len(res) != 2 {
			return nil, fmt.Errorf("pop task: unexpected reply length %d", len(res))
		}
		return []byte(res[1]), nil
	}
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
