package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/attemptd/internal/model"
)

const (
	redisPopTimeout     = time.Second
	dequeueErrorBackoff = time.Second
)

// Envelope wraps a queued notification with a delivery ID for log
// correlation between the enqueuing and delivering processes.
type Envelope struct {
	ID           string             `json:"id"`
	Notification model.Notification `json:"notification"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
}

// Queue is an outbox between the Dispatcher and the delivering worker.
type Queue interface {
	Enqueue(ctx context.Context, env *Envelope) error
	// Dequeue blocks until an envelope is available or ctx is done.
	Dequeue(ctx context.Context) (*Envelope, error)
}

// MemoryQueue is a channel-backed Queue for tests and single-process use.
type MemoryQueue struct {
	ch chan *Envelope
}

// NewMemoryQueue creates a MemoryQueue buffering up to size envelopes.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan *Envelope, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, env *Envelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedisQueue stores envelopes in a Redis list: LPUSH to enqueue, BRPOP to
// dequeue, so envelopes are delivered oldest first.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a RedisQueue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Envelope, error) {
	for {
		result, err := q.client.BRPop(ctx, redisPopTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("brpop %s: %w", q.key, err)
		}
		// result is [key, value]
		if len(result) < 2 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return &env, nil
	}
}

// QueueTransport implements Transport by enqueueing to a Queue. A Deliverer
// drains the queue.
type QueueTransport struct {
	queue Queue
}

// NewQueueTransport creates a Transport that writes to q.
func NewQueueTransport(q Queue) *QueueTransport {
	return &QueueTransport{queue: q}
}

func (t *QueueTransport) Send(ctx context.Context, n model.Notification) error {
	return t.queue.Enqueue(ctx, &Envelope{
		ID:           model.NewDeliveryID(),
		Notification: n,
		EnqueuedAt:   time.Now().UTC(),
	})
}

// Deliverer moves envelopes from a Queue to a downstream Transport.
type Deliverer struct {
	queue  Queue
	next   Transport
	logger *slog.Logger
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(q Queue, next Transport, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{queue: q, next: next, logger: logger}
}

// Run delivers envelopes until ctx is cancelled. Undeliverable envelopes are
// logged and dropped; the downstream transport has already retried them.
// An envelope already taken off the queue is delivered even if ctx is
// cancelled meanwhile, since the queue no longer holds it.
func (d *Deliverer) Run(ctx context.Context) {
	for {
		env, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("dequeue notification failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}

		if err := d.next.Send(context.WithoutCancel(ctx), env.Notification); err != nil {
			d.logger.Error("queued notification delivery failed",
				"delivery_id", env.ID,
				"message", env.Notification.Message,
				"error", err,
			)
			continue
		}
		d.logger.Debug("queued notification delivered", "delivery_id", env.ID)
	}
}
