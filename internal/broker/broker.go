// Package broker provides the message-queue transport between schedulers
// and consumers. Production runs on AMQP 0.9.1; tests use the in-memory
// implementation.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Queue names. Each durable queue has a companion dead-letter queue named
// "<queue>.dlq" that receives messages exhausting their retry budget.
const (
	QueueSync      = "taskops.sync"
	QueueEvaluate  = "taskops.evaluate"
	QueueImplement = "taskops.implement"
)

// DefaultMaxAttempts is the per-message delivery budget used when the
// deployment does not configure one; the failing attempt that exhausts
// the budget dead-letters the message.
const DefaultMaxAttempts = 3

// Handler processes one message. A non-nil error triggers redelivery until
// the attempt budget is spent.
type Handler func(ctx context.Context, body []byte) error

// Broker publishes and consumes messages on named durable queues.
type Broker interface {
	// Publish enqueues body on queue, declaring it if needed.
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume processes queue with the given prefetch until ctx is done.
	Consume(ctx context.Context, queue string, prefetch int, handler Handler) error
	// Close releases the underlying transport.
	Close() error
}

// SyncMessage asks a sync consumer to refresh one task source.
type SyncMessage struct {
	TaskSourceID string `json:"task_source_id"`
	Provider     string `json:"provider"`
}

// TaskMessage asks an evaluation or implementation consumer to process one
// task.
type TaskMessage struct {
	TaskID string `json:"task_id"`
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, b Broker, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", queue, err)
	}
	return b.Publish(ctx, queue, body)
}
