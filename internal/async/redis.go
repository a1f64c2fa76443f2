package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

const (
	fieldBody    = "body"
	fieldAttempt = "attempt"
	fieldReason  = "reason"
	fieldOrigin  = "queue"
)

// RedisBroker is a Broker over Redis Streams with one consumer group per queue.
// Entries left pending longer than the visibility timeout are claimed by another
// consumer via XAUTOCLAIM.
type RedisBroker struct {
	rdb        redis.UniversalClient
	group      string
	visibility time.Duration
	block      time.Duration
	claimEvery time.Duration
	logger     *slog.Logger
}

type RedisOption func(*RedisBroker)

func WithConsumerGroup(g string) RedisOption {
	return func(b *RedisBroker) {
		if g != "" {
			b.group = g
		}
	}
}

func WithVisibilityTimeout(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.visibility = d
		}
	}
}

// WithBlock sets how long one XREADGROUP waits for new entries.
func WithBlock(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if d > 0 {
			b.block = d
		}
	}
}

func NewRedisBroker(rdb redis.UniversalClient, logger *slog.Logger, opts ...RedisOption) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &RedisBroker{
		rdb:        rdb,
		group:      "workers",
		visibility: 15 * time.Minute,
		block:      2 * time.Second,
		logger:     logger,
	}
	for _, o := range opts {
		o(b)
	}
	b.claimEvery = b.visibility / 2
	if b.claimEvery < time.Second {
		b.claimEvery = time.Second
	}
	return b
}

func (b *RedisBroker) Declare(ctx context.Context, queues ...string) error {
	for _, q := range queues {
		for _, stream := range []string{q, constants.DeadLetterQueue(q)} {
			err := b.rdb.XGroupCreateMkStream(ctx, stream, b.group, "0").Err()
			if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
				return fmt.Errorf("%w: create group on %s: %v", common.ErrQueue, stream, err)
			}
		}
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.add(ctx, b.rdb, queue, map[string]any{fieldBody: string(body), fieldAttempt: 1})
}

func (b *RedisBroker) add(ctx context.Context, c redis.Cmdable, stream string, values map[string]any) error {
	if err := c.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("%w: xadd %s: %v", common.ErrQueue, stream, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, queue, consumer string) (<-chan Delivery, error) {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping: %v", common.ErrQueue, err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		var lastClaim time.Time
		for ctx.Err() == nil {
			var (
				msg        *redis.XMessage
				deliveries int64 = 1
			)
			if time.Since(lastClaim) >= b.claimEvery {
				lastClaim = time.Now()
				msg, deliveries = b.claimStale(ctx, queue, consumer)
			}
			if msg == nil {
				var err error
				msg, err = b.read(ctx, queue, consumer)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					b.logger.Warn("xreadgroup failed", "queue", queue, "error", err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				if msg == nil {
					continue
				}
			}

			d := newRedisDelivery(b, queue, *msg, deliveries)
			if !hand(ctx, out, d, d.gate) {
				return
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) read(ctx context.Context, queue, consumer string) (*redis.XMessage, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    b.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			m := s.Messages[0]
			return &m, nil
		}
	}
	return nil, nil
}

// claimStale takes over one entry another consumer left pending past the visibility
// timeout. It also returns how many times the group has delivered that entry.
func (b *RedisBroker) claimStale(ctx context.Context, queue, consumer string) (*redis.XMessage, int64) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    b.group,
		Consumer: consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Debug("xautoclaim failed", "queue", queue, "error", err)
		}
		return nil, 0
	}
	if len(msgs) == 0 {
		return nil, 0
	}
	m := msgs[0]
	deliveries := b.deliveryCount(ctx, queue, m.ID)
	b.logger.Warn("claimed stale entry", "queue", queue, "task_id", m.ID, "deliveries", deliveries)
	return &m, deliveries
}

// deliveryCount reads the entry's delivery counter from the pending entries list.
// XAUTOCLAIM bumps it, so a worker that dies mid-task still advances the attempt.
func (b *RedisBroker) deliveryCount(ctx context.Context, queue, id string) int64 {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queue,
		Group:  b.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 || pending[0].RetryCount < 2 {
		if err != nil {
			b.logger.Debug("xpending failed", "queue", queue, "task_id", id, "error", err)
		}
		return 2
	}
	return pending[0].RetryCount
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

type redisDelivery struct {
	broker  *RedisBroker
	queue   string
	id      string
	body    []byte
	attempt int
	gate    *settleGate
}

// newRedisDelivery builds a delivery whose attempt is the stored attempt plus every
// redelivery of this entry that was never settled.
func newRedisDelivery(b *RedisBroker, queue string, m redis.XMessage, deliveries int64) *redisDelivery {
	d := &redisDelivery{broker: b, queue: queue, id: m.ID, attempt: 1, gate: newSettleGate()}
	if s, ok := m.Values[fieldBody].(string); ok {
		d.body = []byte(s)
	}
	if s, ok := m.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			d.attempt = n
		}
	}
	if deliveries > 1 {
		d.attempt += int(deliveries - 1)
	}
	return d
}

func (d *redisDelivery) ID() string    { return d.id }
func (d *redisDelivery) Queue() string { return d.queue }
func (d *redisDelivery) Body() []byte  { return d.body }
func (d *redisDelivery) Attempt() int  { return d.attempt }

func (d *redisDelivery) Ack(ctx context.Context) error {
	defer d.gate.settle()
	return d.settle(ctx, nil)
}

func (d *redisDelivery) Retry(ctx context.Context) error {
	defer d.gate.settle()
	return d.settle(ctx, func(pipe redis.Pipeliner) error {
		return d.broker.add(ctx, pipe, d.queue, map[string]any{
			fieldBody:    string(d.body),
			fieldAttempt: d.attempt + 1,
		})
	})
}

func (d *redisDelivery) DeadLetter(ctx context.Context, reason string) error {
	defer d.gate.settle()
	return d.settle(ctx, func(pipe redis.Pipeliner) error {
		return d.broker.add(ctx, pipe, constants.DeadLetterQueue(d.queue), map[string]any{
			fieldBody:    string(d.body),
			fieldAttempt: d.attempt,
			fieldReason:  reason,
			fieldOrigin:  d.queue,
		})
	})
}

// settle runs extra (if any), acks and deletes the entry in one MULTI/EXEC.
func (d *redisDelivery) settle(ctx context.Context, extra func(redis.Pipeliner) error) error {
	_, err := d.broker.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if extra != nil {
			if err := extra(pipe); err != nil {
				return err
			}
		}
		pipe.XAck(ctx, d.queue, d.broker.group, d.id)
		pipe.XDel(ctx, d.queue, d.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: settle %s: %v", common.ErrQueue, d.id, err)
	}
	return nil
}
