package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

// DeadLetter is a message parked on a dead-letter queue of the in-memory broker.
type DeadLetter struct {
	ID      string
	Body    []byte
	Reason  string
	Attempt int
}

type memMessage struct {
	id      string
	body    []byte
	attempt int
}

type memLease struct {
	msg      memMessage
	deadline time.Time
	gate     *settleGate
}

type memQueue struct {
	ready    []memMessage
	signal   chan struct{}
	inflight map[string]*memLease
	dead     []DeadLetter
}

// MemoryBroker is an in-process Broker for single-binary deployments and tests.
// Messages leased longer than the visibility timeout go back to the queue.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	visibility time.Duration
	logger     *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once
}

func NewMemoryBroker(visibility time.Duration, logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	b := &MemoryBroker{
		queues:     make(map[string]*memQueue),
		visibility: visibility,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go b.reap()
	return b
}

func (b *MemoryBroker) Declare(_ context.Context, queues ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range queues {
		b.queueLocked(q)
		b.queueLocked(constants.DeadLetterQueue(q))
	}
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, queue string, body []byte) error {
	if b.closed() {
		return common.NewAppError("BROKER_CLOSED", "publish to "+queue, common.ErrQueue)
	}
	cp := append([]byte(nil), body...)
	b.push(queue, memMessage{id: uuid.NewString(), body: cp, attempt: 1})
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue, _ string) (<-chan Delivery, error) {
	if b.closed() {
		return nil, common.NewAppError("BROKER_CLOSED", "consume "+queue, common.ErrQueue)
	}
	b.mu.Lock()
	q := b.queueLocked(queue)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			lease, ok := b.next(ctx, queue, q)
			if !ok {
				return
			}
			d := &memDelivery{broker: b, queue: queue, lease: lease}
			if !hand(ctx, out, d, lease.gate) {
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.stop) })
	return nil
}

// Len reports how many messages wait on queue, not counting leased ones.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// DeadLetters returns the messages dead-lettered from queue.
func (b *MemoryBroker) DeadLetters(queue string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[constants.DeadLetterQueue(queue)]
	if !ok {
		return nil
	}
	return append([]DeadLetter(nil), q.dead...)
}

func (b *MemoryBroker) closed() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *MemoryBroker) queueLocked(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1), inflight: make(map[string]*memLease)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) push(queue string, m memMessage) {
	b.mu.Lock()
	q := b.queueLocked(queue)
	q.ready = append(q.ready, m)
	b.mu.Unlock()
	notify(q.signal)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// next blocks until a message can be leased or ctx ends.
func (b *MemoryBroker) next(ctx context.Context, queue string, q *memQueue) (*memLease, bool) {
	for {
		b.mu.Lock()
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			lease := &memLease{msg: m, deadline: time.Now().Add(b.visibility), gate: newSettleGate()}
			q.inflight[m.id] = lease
			more := len(q.ready) > 0
			b.mu.Unlock()
			if more {
				notify(q.signal)
			}
			return lease, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-b.stop:
			return nil, false
		case <-q.signal:
		}
	}
}

// release drops the lease; false means it already expired and was handed out again.
func (b *MemoryBroker) release(queue string, lease *memLease) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(queue)
	cur, ok := q.inflight[lease.msg.id]
	if !ok || cur != lease {
		return false
	}
	delete(q.inflight, lease.msg.id)
	return true
}

func (b *MemoryBroker) reap() {
	interval := b.visibility / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-t.C:
			b.requeueExpired(now)
		}
	}
}

func (b *MemoryBroker) requeueExpired(now time.Time) {
	var wake []chan struct{}
	b.mu.Lock()
	for name, q := range b.queues {
		for id, lease := range q.inflight {
			if now.Before(lease.deadline) {
				continue
			}
			delete(q.inflight, id)
			m := lease.msg
			m.attempt++
			q.ready = append(q.ready, m)
			wake = append(wake, q.signal)
			b.logger.Warn("lease expired, message requeued", "queue", name, "task_id", id, "attempt", m.attempt)
		}
	}
	b.mu.Unlock()
	for _, ch := range wake {
		notify(ch)
	}
}

var errLeaseExpired = errors.New("lease expired before settlement")

type memDelivery struct {
	broker *MemoryBroker
	queue  string
	lease  *memLease
}

func (d *memDelivery) ID() string    { return d.lease.msg.id }
func (d *memDelivery) Queue() string { return d.queue }
func (d *memDelivery) Body() []byte  { return d.lease.msg.body }
func (d *memDelivery) Attempt() int  { return d.lease.msg.attempt }

func (d *memDelivery) Ack(_ context.Context) error {
	defer d.lease.gate.settle()
	if !d.broker.release(d.queue, d.lease) {
		return common.NewAppError("LEASE_EXPIRED", d.ID(), errLeaseExpired)
	}
	return nil
}

func (d *memDelivery) Retry(_ context.Context) error {
	defer d.lease.gate.settle()
	if !d.broker.release(d.queue, d.lease) {
		return common.NewAppError("LEASE_EXPIRED", d.ID(), errLeaseExpired)
	}
	m := d.lease.msg
	m.attempt++
	d.broker.push(d.queue, m)
	return nil
}

func (d *memDelivery) DeadLetter(_ context.Context, reason string) error {
	defer d.lease.gate.settle()
	if !d.broker.release(d.queue, d.lease) {
		return common.NewAppError("LEASE_EXPIRED", d.ID(), errLeaseExpired)
	}
	dlq := constants.DeadLetterQueue(d.queue)
	b := d.broker
	b.mu.Lock()
	q := b.queueLocked(dlq)
	q.dead = append(q.dead, DeadLetter{ID: d.ID(), Body: d.lease.msg.body, Reason: reason, Attempt: d.lease.msg.attempt})
	b.mu.Unlock()
	return nil
}
