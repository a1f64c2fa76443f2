package async

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

// Handler processes one message body. Returning nil acks the message; an error
// matching common.IsPermanent dead-letters it; anything else retries it.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

type HandlerFunc func(ctx context.Context, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// Consumer runs a pool of workers over one queue. Each worker holds its own
// subscription, so several consumers compete for messages.
type Consumer struct {
	broker  Broker
	queue   string
	name    string
	handler Handler
	logger  *slog.Logger

	workers       int
	timeout       time.Duration
	maxAttempts   int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	settleTimeout time.Duration
	resubscribe   time.Duration
}

type Option func(*Consumer)

func WithWorkers(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base of the exponential delay before a failed task is requeued.
// Zero requeues immediately.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Consumer) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithResubscribeWindow bounds how long a worker keeps trying to reopen a broken subscription.
func WithResubscribeWindow(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.resubscribe = d
		}
	}
}

func WithName(name string) Option {
	return func(c *Consumer) {
		if name != "" {
			c.name = name
		}
	}
}

func NewConsumer(broker Broker, queue string, handler Handler, logger *slog.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		broker:        broker,
		queue:         queue,
		name:          queue,
		handler:       handler,
		logger:        logger,
		workers:       1,
		timeout:       10 * time.Minute,
		maxAttempts:   5,
		retryDelay:    2 * time.Second,
		maxRetryDelay: time.Minute,
		settleTimeout: 15 * time.Second,
		resubscribe:   2 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run blocks until ctx is canceled or a worker gives up on its subscription.
// Cancellation is a clean stop and returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		workerID := i + 1
		g.Go(func() error { return c.work(gctx, workerID) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) work(ctx context.Context, workerID int) error {
	tag := fmt.Sprintf("%s-%d", c.name, workerID)
	log := c.logger.With("queue", c.queue, "worker_id", workerID)
	log.Info("worker started")
	defer log.Info("worker stopped")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = c.resubscribe

	for {
		deliveries, err := c.broker.Consume(ctx, c.queue, tag)
		if err == nil {
			for d := range deliveries {
				bo.Reset()
				c.process(ctx, log, d)
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			log.Error("giving up on subscription", "error", err)
			return common.NewAppError("SUBSCRIPTION_LOST", "consume "+c.queue, fmt.Errorf("%w: %v", common.ErrQueue, err))
		}
		log.Warn("subscription closed, resubscribing", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) process(ctx context.Context, log *slog.Logger, d Delivery) {
	log = log.With("task_id", d.ID(), "attempt", d.Attempt())
	start := time.Now()

	taskCtx, cancel := common.WithTimeout(common.WithTaskID(ctx, d.ID()), c.timeout)
	err := c.safeHandle(taskCtx, d.Body())
	cancel()

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), c.settleTimeout)
	defer cancelSettle()

	switch {
	case err == nil:
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
			return
		}
		log.Info("task done", "elapsed_ms", time.Since(start).Milliseconds())

	case common.IsPermanent(err):
		c.deadLetter(settleCtx, log, d, err)

	case d.Attempt() >= c.maxAttempts:
		c.deadLetter(settleCtx, log, d, fmt.Errorf("attempts exhausted (%d): %w", d.Attempt(), err))

	default:
		wait := c.retryWait(d.Attempt())
		log.Warn("task failed, retrying", "error", err, "retry_in", wait)
		if ctx.Err() == nil && wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
		if retryErr := d.Retry(settleCtx); retryErr != nil {
			log.Error("requeue failed", "error", retryErr)
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, log *slog.Logger, d Delivery, cause error) {
	log.Error("task dead-lettered", "error", cause, "code", common.ErrorCode(cause, "TASK_FAILED"))
	if err := d.DeadLetter(ctx, cause.Error()); err != nil {
		log.Error("dead-letter failed", "error", err)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.NewAppError("HANDLER_PANIC", fmt.Sprint(r), common.ErrInternal)
		}
	}()
	return c.handler.Handle(ctx, body)
}

// retryWait is the exponential delay before requeueing the given attempt.
func (c *Consumer) retryWait(attempt int) time.Duration {
	if c.retryDelay <= 0 {
		return 0
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.retryDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         c.maxRetryDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	var wait time.Duration
	for i := 0; i < attempt; i++ {
		wait = bo.NextBackOff()
	}
	return wait
}
