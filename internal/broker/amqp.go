package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

// AMQP is a Broker backed by an AMQP 0.9.1 server.
type AMQP struct {
	conn        *amqp.Connection
	logger      *slog.Logger
	maxAttempts int

	mu       sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool
}

// DialAMQP connects to the broker at url. maxAttempts is the per-message
// delivery budget; values below 1 fall back to DefaultMaxAttempts.
func DialAMQP(url string, maxAttempts int, logger *slog.Logger) (*AMQP, error) {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQP{
		conn:        conn,
		logger:      logger,
		maxAttempts: maxAttempts,
		pubCh:       ch,
		declared:    make(map[string]bool),
	}, nil
}

// Close shuts the connection down, closing all channels with it.
func (a *AMQP) Close() error {
	return a.conn.Close()
}

// declare sets up queue and its dead-letter companion. Failed deliveries
// are routed to "<queue>.dlq" through the default exchange.
func (a *AMQP) declare(ch *amqp.Channel, queue string) error {
	a.mu.Lock()
	done := a.declared[queue]
	a.mu.Unlock()
	if done {
		return nil
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}

	a.mu.Lock()
	a.declared[queue] = true
	a.mu.Unlock()
	return nil
}

// Publish enqueues a persistent message with attempt 1.
func (a *AMQP) Publish(ctx context.Context, queue string, body []byte) error {
	return a.publish(ctx, queue, body, 1)
}

func (a *AMQP) publish(ctx context.Context, queue string, body []byte, attempt int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.declare(a.pubCh, queue); err != nil {
		return err
	}
	err := a.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume runs handler over queue deliveries until ctx is canceled. Failed
// messages are republished with an incremented attempt counter; the
// delivery that exhausts the attempt budget is nacked without requeue,
// which dead letters it.
func (a *AMQP) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := a.declare(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: channel closed", queue)
			}
			a.handle(ctx, queue, d, handler)
		}
	}
}

func (a *AMQP) handle(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	attempt := deliveryAttempt(d)

	err := handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if attempt >= a.maxAttempts {
		a.logger.Warn("message exhausted retries, dead-lettering",
			"queue", queue, "attempt", attempt, "error", err)
		_ = d.Nack(false, false)
		return
	}

	a.logger.Warn("message failed, retrying",
		"queue", queue, "attempt", attempt, "error", err)
	if pubErr := a.publish(ctx, queue, d.Body, attempt+1); pubErr != nil {
		// Could not republish: requeue the original delivery instead of
		// losing it.
		a.logger.Error("republish failed, requeueing", "queue", queue, "error", pubErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func deliveryAttempt(d amqp.Delivery) int {
	if v, ok := d.Headers[attemptHeader]; ok {
		switch n := v.(type) {
		case int32:
			return int(n)
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return 1
}
