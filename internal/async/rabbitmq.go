package async

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

const (
	headerAttempt = "x-attempt"
	headerReason  = "x-death-reason"
	headerOrigin  = "x-original-queue"
)

// RabbitBroker is a Broker over RabbitMQ durable queues. Publishes wait for broker
// confirms; consumers use manual acks with a prefetch of one, so a message whose
// worker dies is redelivered when its channel closes. A redelivered message is
// republished with the next x-attempt before any worker sees it.
type RabbitBroker struct {
	conn   *amqp.Connection
	logger *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

func NewRabbitBroker(url string, logger *slog.Logger) (*RabbitBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return nil, fmt.Errorf("%w: dial rabbitmq: %v", common.ErrQueue, err)
	}
	b := &RabbitBroker{conn: conn, logger: logger}
	b.pubMu.Lock()
	_, err = b.publishChannelLocked()
	b.pubMu.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("connected to rabbitmq")
	return b, nil
}

// publishChannelLocked returns the confirm-mode publish channel, reopening it if it closed.
func (b *RabbitBroker) publishChannelLocked() (*amqp.Channel, error) {
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", common.ErrQueue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: confirm mode: %v", common.ErrQueue, err)
	}
	b.pubCh = ch
	return ch, nil
}

func (b *RabbitBroker) Declare(_ context.Context, queues ...string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	ch, err := b.publishChannelLocked()
	if err != nil {
		return err
	}
	for _, q := range queues {
		dlq := constants.DeadLetterQueue(q)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: declare %s: %v", common.ErrQueue, dlq, err)
		}
		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return fmt.Errorf("%w: declare %s: %v", common.ErrQueue, q, err)
		}
		b.logger.Debug("queue declared", "queue", q, "dead_letter", dlq)
	}
	return nil
}

func (b *RabbitBroker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.publish(ctx, queue, body, amqp.Table{headerAttempt: int32(1)})
}

func (b *RabbitBroker) publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	b.pubMu.Lock()
	ch, err := b.publishChannelLocked()
	if err != nil {
		b.pubMu.Unlock()
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", common.ErrQueue, queue, err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: confirm %s: %v", common.ErrQueue, queue, err)
	}
	if !ok {
		return fmt.Errorf("%w: publish to %s nacked by broker", common.ErrQueue, queue)
	}
	return nil
}

func (b *RabbitBroker) Consume(ctx context.Context, queue, consumer string) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", common.ErrQueue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: qos: %v", common.ErrQueue, err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: consume %s: %v", common.ErrQueue, queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() {
			if err := ch.Close(); err != nil && !ch.IsClosed() {
				b.logger.Warn("failed to close consumer channel", "queue", queue, "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d := newRabbitDelivery(queue, m, b.publish)
				if m.Redelivered {
					// the previous holder died without settling; count that as an attempt
					if err := d.bounce(ctx); err != nil {
						b.logger.Warn("failed to bounce redelivered message", "queue", queue,
							"task_id", d.ID(), "attempt", d.Attempt(), "error", err)
						select {
						case <-ctx.Done():
							return
						case <-time.After(time.Second):
						}
					}
					continue
				}
				if !hand(ctx, out, d, d.gate) {
					// give the worker a moment to settle before the channel goes away
					select {
					case <-d.gate.done:
					case <-time.After(15 * time.Second):
					}
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RabbitBroker) Close() error {
	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	b.pubMu.Unlock()
	return b.conn.Close()
}

type publishFunc func(ctx context.Context, queue string, body []byte, headers amqp.Table) error

type rabbitDelivery struct {
	queue     string
	msg       amqp.Delivery
	republish publishFunc
	gate      *settleGate
}

func newRabbitDelivery(queue string, m amqp.Delivery, republish publishFunc) *rabbitDelivery {
	return &rabbitDelivery{queue: queue, msg: m, republish: republish, gate: newSettleGate()}
}

func (d *rabbitDelivery) ID() string {
	if d.msg.MessageId != "" {
		return d.msg.MessageId
	}
	return strconv.FormatUint(d.msg.DeliveryTag, 10)
}

func (d *rabbitDelivery) Queue() string { return d.queue }
func (d *rabbitDelivery) Body() []byte  { return d.msg.Body }

func (d *rabbitDelivery) Attempt() int {
	n := headerInt(d.msg.Headers[headerAttempt])
	if n < 1 {
		n = 1
	}
	return n
}

func (d *rabbitDelivery) Ack(_ context.Context) error {
	defer d.gate.settle()
	return d.msg.Ack(false)
}

// Retry republishes with a bumped attempt counter, then acks the original. If the
// republish fails the original is requeued unchanged.
func (d *rabbitDelivery) Retry(ctx context.Context) error {
	defer d.gate.settle()
	return d.bounce(ctx)
}

// bounce puts the body back at the tail of the queue with the next attempt number
// and acks this copy.
func (d *rabbitDelivery) bounce(ctx context.Context) error {
	headers := amqp.Table{headerAttempt: int32(d.Attempt() + 1)}
	if err := d.republish(ctx, d.queue, d.msg.Body, headers); err != nil {
		_ = d.msg.Nack(false, true)
		return err
	}
	return d.msg.Ack(false)
}

// DeadLetter publishes the body with reason metadata to the dead-letter queue. If that
// fails the message is rejected, which routes it there via the queue's DLX arguments.
func (d *rabbitDelivery) DeadLetter(ctx context.Context, reason string) error {
	defer d.gate.settle()
	headers := amqp.Table{
		headerAttempt: int32(d.Attempt()),
		headerReason:  reason,
		headerOrigin:  d.queue,
	}
	if err := d.republish(ctx, constants.DeadLetterQueue(d.queue), d.msg.Body, headers); err != nil {
		_ = d.msg.Nack(false, false)
		return err
	}
	return d.msg.Ack(false)
}

func headerInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
