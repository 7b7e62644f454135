package broker

import (
	"context"
	"sync"
)

type memoryMessage struct {
	body    []byte
	attempt int
}

// Memory is an in-process Broker with the same retry and dead-letter
// semantics as the AMQP implementation. Used by tests and single-node
// development without a broker server.
type Memory struct {
	maxAttempts int

	mu     sync.Mutex
	queues map[string]chan memoryMessage
	closed bool
}

// NewMemory creates an in-memory broker with the default attempt budget.
func NewMemory() *Memory {
	return NewMemoryAttempts(DefaultMaxAttempts)
}

// NewMemoryAttempts creates an in-memory broker with a custom per-message
// delivery budget. Values below 1 fall back to DefaultMaxAttempts.
func NewMemoryAttempts(maxAttempts int) *Memory {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Memory{maxAttempts: maxAttempts, queues: make(map[string]chan memoryMessage)}
}

func (m *Memory) queue(name string) chan memoryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan memoryMessage, 1024)
		m.queues[name] = q
	}
	return q
}

// Publish enqueues body on queue.
func (m *Memory) Publish(ctx context.Context, queue string, body []byte) error {
	select {
	case m.queue(queue) <- memoryMessage{body: body, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume processes queue until ctx is canceled. Prefetch is accepted for
// interface parity but does not change behavior: the in-memory queue is
// consumed one message at a time.
func (m *Memory) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	_ = prefetch
	q := m.queue(queue)
	dlq := m.queue(queue + ".dlq")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			if err := handler(ctx, msg.body); err != nil {
				if msg.attempt >= m.maxAttempts {
					dlq <- memoryMessage{body: msg.body, attempt: msg.attempt}
					continue
				}
				q <- memoryMessage{body: msg.body, attempt: msg.attempt + 1}
			}
		}
	}
}

// Drain returns and removes all message bodies currently sitting on queue.
// Test helper.
func (m *Memory) Drain(queue string) [][]byte {
	q := m.queue(queue)
	var bodies [][]byte
	for {
		select {
		case msg := <-q:
			bodies = append(bodies, msg.body)
		default:
			return bodies
		}
	}
}

// Close is a no-op for the in-memory broker.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
