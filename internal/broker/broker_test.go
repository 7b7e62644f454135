package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishConsume(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, PublishJSON(ctx, m, QueueSync, SyncMessage{TaskSourceID: "ts-1", Provider: "jira"}))

	got := make(chan SyncMessage, 1)
	go func() {
		_ = m.Consume(ctx, QueueSync, 10, func(_ context.Context, body []byte) error {
			var msg SyncMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				return err
			}
			got <- msg
			return nil
		})
	}()

	select {
	case msg := <-got:
		assert.Equal(t, "ts-1", msg.TaskSourceID)
		assert.Equal(t, "jira", msg.Provider)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryRetriesThenDeadLetters(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, QueueEvaluate, []byte(`{"task_id":"t-1"}`)))

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, QueueEvaluate, 5, func(_ context.Context, _ []byte) error {
			if attempts.Add(1) == DefaultMaxAttempts {
				close(done)
			}
			return errors.New("handler failure")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %d attempts, got %d", DefaultMaxAttempts, attempts.Load())
	}
	cancel()

	// Give the consumer loop a beat to finish dead-lettering.
	require.Eventually(t, func() bool {
		return len(m.Drain(QueueEvaluate+".dlq")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(DefaultMaxAttempts), attempts.Load())
}

func TestMemoryHonorsConfiguredAttemptBudget(t *testing.T) {
	m := NewMemoryAttempts(5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, QueueEvaluate, []byte(`{"task_id":"t-3"}`)))

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, QueueEvaluate, 1, func(_ context.Context, _ []byte) error {
			if attempts.Add(1) == 5 {
				close(done)
			}
			return errors.New("handler failure")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected 5 attempts, got %d", attempts.Load())
	}
	cancel()

	require.Eventually(t, func() bool {
		return len(m.Drain(QueueEvaluate+".dlq")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(5), attempts.Load())
}

func TestNewMemoryAttemptsFloorsInvalidBudget(t *testing.T) {
	assert.Equal(t, DefaultMaxAttempts, NewMemoryAttempts(0).maxAttempts)
	assert.Equal(t, DefaultMaxAttempts, NewMemoryAttempts(-2).maxAttempts)
	assert.Equal(t, 1, NewMemoryAttempts(1).maxAttempts)
}

func TestMemorySucceedsAfterRetry(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, QueueImplement, []byte(`{"task_id":"t-2"}`)))

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, QueueImplement, 3, func(_ context.Context, _ []byte) error {
			if attempts.Add(1) < 2 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message never succeeded")
	}
	assert.Empty(t, m.Drain(QueueImplement+".dlq"))
}

func TestDeliveryAttemptHeader(t *testing.T) {
	assert.Equal(t, 1, deliveryAttempt(amqp.Delivery{}))
	assert.Equal(t, 2, deliveryAttempt(amqp.Delivery{Headers: amqp.Table{attemptHeader: int32(2)}}))
	assert.Equal(t, 3, deliveryAttempt(amqp.Delivery{Headers: amqp.Table{attemptHeader: int64(3)}}))
}
