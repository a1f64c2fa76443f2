package async

import (
	"context"
	"sync"
)

// Delivery is one message handed to a consumer. Exactly one of Ack, Retry or
// DeadLetter settles it; the broker does not hand out the next message on the same
// subscription until it is settled.
type Delivery interface {
	ID() string
	Queue() string
	Body() []byte
	// Attempt is 1 for the first delivery and grows with every retry.
	Attempt() int

	Ack(ctx context.Context) error
	// Retry puts the message back on its queue with Attempt()+1.
	Retry(ctx context.Context) error
	// DeadLetter moves the message, body untouched, onto the queue's dead-letter queue.
	DeadLetter(ctx context.Context, reason string) error
}

// Broker is a durable task queue with explicit acknowledgements.
type Broker interface {
	// Declare creates the queues and their dead-letter queues if they do not exist.
	Declare(ctx context.Context, queues ...string) error
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume opens a subscription. The channel closes when ctx ends or the
	// subscription breaks.
	Consume(ctx context.Context, queue, consumer string) (<-chan Delivery, error)
	Close() error
}

// settleGate closes done once, on the first settlement of a delivery.
type settleGate struct {
	once sync.Once
	done chan struct{}
}

func newSettleGate() *settleGate {
	return &settleGate{done: make(chan struct{})}
}

func (g *settleGate) settle() {
	g.once.Do(func() { close(g.done) })
}

// hand sends d on out and blocks until it is settled. It returns false when ctx ended first.
func hand(ctx context.Context, out chan<- Delivery, d Delivery, gate *settleGate) bool {
	select {
	case out <- d:
	case <-ctx.Done():
		return false
	}
	select {
	case <-gate.done:
		return true
	case <-ctx.Done():
		return false
	}
}
