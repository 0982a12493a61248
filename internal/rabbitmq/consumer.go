package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes a delivery and settles it (Ack or Nack).
// It receives a context that is not cancelled when consumption stops, so an
// in-flight delivery always gets its outcome applied.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer dispatches deliveries from one queue to a handler, at most prefetch at a time
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	consumerTag   string
	logger        *slog.Logger
	inflight      sync.WaitGroup
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.prefetchCount < 1 {
		c.prefetchCount = 1
	}
	if c.consumerTag == "" {
		c.consumerTag = "txflow-" + uuid.NewString()
	}

	return c
}

// Subscribe waits for the manager to be ready and starts consuming queue.
// The registration is a setup hook, so it is re-issued on every new channel.
// Consumption stops when ctx is done.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	if err := c.manager.WaitReady(ctx); err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	err := c.manager.AddSetup(ctx, func(_ context.Context, ch Channel) error {
		if ctx.Err() != nil {
			return nil
		}
		return c.start(ctx, ch, queue, handler)
	})
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	return nil
}

// Wait blocks until every delivery loop has exited and its handlers have returned
func (c *Consumer) Wait() {
	c.inflight.Wait()
}

func (c *Consumer) start(ctx context.Context, ch Channel, queue string, handler DeliveryHandler) error {
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	c.inflight.Add(1)
	go c.processDeliveries(ctx, ch, queue, deliveries, handler)
	return nil
}

func (c *Consumer) processDeliveries(ctx context.Context, ch Channel, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	var handlers sync.WaitGroup
	sem := make(chan struct{}, c.prefetchCount)
	handlerCtx := context.WithoutCancel(ctx)

	defer func() {
		handlers.Wait()
		c.inflight.Done()
		c.logger.Info("consumer stopped", "queue", queue, "consumerTag", c.consumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			if !ch.IsClosed() {
				if err := ch.Cancel(c.consumerTag, false); err != nil {
					c.logger.Warn("failed to cancel consumer", "queue", queue, "error", err)
				}
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}

			sem <- struct{}{}
			handlers.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-sem
					handlers.Done()
				}()
				handler(handlerCtx, d)
			}(delivery)
		}
	}
}
