package broker

import (
	"context"
	"sync"
	"time"
)

// Message is a message accepted by MemoryBroker
type Message struct {
	Destination string
	RoutingKey  string
	Body        []byte
	SentAt      time.Time
}

// MemoryBroker keeps messages in memory. Failures can be injected.
type MemoryBroker struct {
	mu       sync.Mutex
	messages []Message
	failures []error
	closed   bool
}

// NewMemoryBroker creates an empty in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Send stores the message, or returns the next injected failure
func (b *MemoryBroker) Send(ctx context.Context, destination, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return err
	}

	copied := make([]byte, len(body))
	copy(copied, body)
	b.messages = append(b.messages, Message{
		Destination: destination,
		RoutingKey:  routingKey,
		Body:        copied,
		SentAt:      time.Now().UTC(),
	})
	return nil
}

// FailNext makes the next len(errs) sends fail with errs, in order
func (b *MemoryBroker) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// Messages returns a copy of the accepted messages
func (b *MemoryBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Reset drops accepted messages and pending failures
func (b *MemoryBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
	b.failures = nil
}

// Close implements Broker
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
