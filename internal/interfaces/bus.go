package interfaces

import (
	"context"
	"time"
)

// Delivery is one received message plus the state needed to settle it.
type Delivery struct {
	ID           string
	Queue        string
	Body         []byte
	Headers      map[string]string
	ReceiveCount int
	EnqueuedAt   time.Time
}

// Header returns a named header, or "".
func (d *Delivery) Header(name string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[name]
}

// Publisher is the narrow producer-side view of the bus.
type Publisher interface {
	// Publish durably enqueues a message on the queue for the routing key.
	Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error
}

// MessageBus - durable topic-routed queues with visibility timeouts, manual
// acknowledgement and dead-letter routing.
//
// Delivery semantics: Receive hides the message for the visibility timeout
// and bumps its receive count. Ack deletes it. Nack with requeue restores
// visibility immediately; without requeue it moves the message to the
// dead-letter queue with death metadata. Messages past their TTL or their
// max receive count are dead-lettered instead of delivered.
type MessageBus interface {
	Publisher

	// Receive returns the next visible message on the queue, or
	// models.ErrNoMessage when none is available.
	Receive(ctx context.Context, queue string) (*Delivery, error)

	Ack(ctx context.Context, delivery *Delivery) error
	Nack(ctx context.Context, delivery *Delivery, requeue bool) error

	// Depth counts visible plus in-flight messages on a queue.
	Depth(ctx context.Context, queue string) (int, error)

	Close() error
}
