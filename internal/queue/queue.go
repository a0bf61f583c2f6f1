// Package queue implements the shared event queues the scheduler processes
// coordinate through: named Redis lists carrying JSON events, with blocking
// pops and a group wrapper that waits on several queues at once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is an arbitrary JSON object. Receivers see the originating queue
// name injected under the "queue_name" key.
type Event map[string]any

// Queue is a named FIFO list in Redis.
type Queue struct {
	name   string
	client *redis.Client
}

// New returns a queue bound to the given Redis client.
func New(name string, client *redis.Client) *Queue {
	return &Queue{name: name, client: client}
}

// Name returns the queue's list key.
func (q *Queue) Name() string {
	return q.name
}

// SendEvent appends an event to the queue.
func (q *Queue) SendEvent(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := q.client.RPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("failed to push event to %s: %w", q.name, err)
	}
	return nil
}

// ReceiveEvent pops the next event. Timeout semantics:
//   - timeout == 0: block until an event is available.
//   - timeout > 0: block up to timeout; return nil on expiry.
//   - timeout < 0: non-blocking; return nil if the queue is empty.
func (q *Queue) ReceiveEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	var payload string

	if timeout < 0 {
		value, err := q.client.LPop(ctx, q.name).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop from %s: %w", q.name, err)
		}
		payload = value
	} else {
		values, err := q.client.BLPop(ctx, timeout, q.name).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop from %s: %w", q.name, err)
		}
		// BLPop returns [key, value].
		payload = values[1]
	}

	return decodeEvent(q.name, payload)
}

// Group blocks across several queues simultaneously, returning whichever
// event arrives first.
type Group struct {
	queues []*Queue
	client *redis.Client
}

// NewGroup builds a group over the given queues. All queues must share the
// same Redis client.
func NewGroup(client *redis.Client, queues ...*Queue) *Group {
	return &Group{queues: queues, client: client}
}

// ReceiveEvent pops the next event from any queue in the group, with the
// same timeout semantics as Queue.ReceiveEvent.
func (g *Group) ReceiveEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	names := make([]string, len(g.queues))
	for i, q := range g.queues {
		names[i] = q.name
	}

	if timeout < 0 {
		for _, q := range g.queues {
			event, err := q.ReceiveEvent(ctx, -1)
			if err != nil || event != nil {
				return event, err
			}
		}
		return nil, nil
	}

	values, err := g.client.BLPop(ctx, timeout, names...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from group: %w", err)
	}

	return decodeEvent(values[0], values[1])
}

func decodeEvent(queueName, payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("failed to decode event from %s: %w", queueName, err)
	}
	event["queue_name"] = queueName
	return event, nil
}
