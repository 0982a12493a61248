package messaging

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/internal/rabbitmq"
	"github.com/glimte/txflow/internal/reliability"
)

// Requeuer schedules the next attempt of a failed message
type Requeuer interface {
	Requeue(ctx context.Context, routingKey string, env contracts.Envelope) (contracts.Envelope, error)
}

// Subscriber consumes queues and settles every delivery
type Subscriber struct {
	consumer *rabbitmq.Consumer
	requeuer Requeuer
	policy   reliability.RetryPolicy
	logger   *slog.Logger
	metrics  MetricsRecorder
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics recorder
func WithSubscriberMetrics(metrics MetricsRecorder) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = metrics
	}
}

// WithRetryPolicy sets the retry bound
func WithRetryPolicy(policy reliability.RetryPolicy) SubscriberOption {
	return func(s *Subscriber) {
		s.policy = policy
	}
}

// NewSubscriber creates a subscriber; the default retry bound is 3
func NewSubscriber(consumer *rabbitmq.Consumer, requeuer Requeuer, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		consumer: consumer,
		requeuer: requeuer,
		policy:   reliability.NewRetryPolicy(3),
		logger:   slog.Default(),
		metrics:  noopRecorder{},
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Consume starts consuming queue with handler. It returns once the consumer is
// registered; consumption continues, across reconnects, until ctx is done.
// A retry publish still waiting for the broker when ctx ends is abandoned and the
// delivery is returned to the queue.
func (s *Subscriber) Consume(ctx context.Context, queue string, handler Handler) error {
	return s.consumer.Subscribe(ctx, queue, func(deliveryCtx context.Context, delivery amqp.Delivery) {
		s.process(deliveryCtx, ctx, delivery, handler)
	})
}

// Wait blocks until consumption has stopped and in-flight handlers have returned
func (s *Subscriber) Wait() {
	s.consumer.Wait()
}

func (s *Subscriber) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler Handler) Outcome {
	return s.process(ctx, ctx, delivery, handler)
}

// process runs handler on ctx and settles the delivery. The retry publish is also
// cancelled when stop is done.
func (s *Subscriber) process(ctx, stop context.Context, delivery amqp.Delivery, handler Handler) Outcome {
	msg, err := decode(delivery)
	if err != nil {
		s.logger.Error("rejecting malformed message",
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageId,
			"correlationId", delivery.CorrelationId,
			"error", err,
		)
		return s.settle(delivery, OutcomeMalformed)
	}

	logger := s.logger.With(
		"correlationId", msg.CorrelationID(),
		"routingKey", msg.RoutingKey,
		"retryCount", msg.RetryCount(),
	)

	handlerErr := invoke(ctx, handler, msg)
	if handlerErr == nil {
		return s.settle(delivery, OutcomeProcessed)
	}

	switch s.policy.Decide(msg.Envelope.RetryCount, handlerErr) {
	case reliability.DecisionReject:
		logger.Error("handler rejected malformed message", "error", handlerErr)
		return s.settle(delivery, OutcomeMalformed)

	case reliability.DecisionRetry:
		if _, err := s.requeue(ctx, stop, delivery.RoutingKey, msg.Envelope); err != nil {
			logger.Error("failed to schedule retry, returning message to the queue",
				"error", err,
				"handlerError", handlerErr,
			)
			return s.settle(delivery, OutcomeRequeued)
		}
		logger.Warn("message processing failed, retry scheduled",
			"error", handlerErr,
			"maxRetryCount", s.policy.MaxRetryCount,
		)
		return s.settle(delivery, OutcomeRetried)

	default:
		logger.Error("message processing failed, retries exhausted",
			"error", handlerErr,
			"maxRetryCount", s.policy.MaxRetryCount,
		)
		return s.settle(delivery, OutcomeDeadLettered)
	}
}

func (s *Subscriber) requeue(ctx, stop context.Context, routingKey string, env contracts.Envelope) (contracts.Envelope, error) {
	requeueCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(stop, cancel)
	defer release()

	return s.requeuer.Requeue(requeueCtx, routingKey, env)
}

// settle applies the acknowledgement belonging to outcome
func (s *Subscriber) settle(delivery amqp.Delivery, outcome Outcome) Outcome {
	var err error
	switch outcome {
	case OutcomeProcessed, OutcomeRetried:
		err = delivery.Ack(false)
	case OutcomeRequeued:
		err = delivery.Nack(false, true)
	default:
		err = delivery.Nack(false, false)
	}
	if err != nil {
		s.logger.Error("failed to settle delivery",
			"outcome", outcome,
			"messageId", delivery.MessageId,
			"error", err,
		)
	}

	s.metrics.RecordOutcome(delivery.RoutingKey, outcome)
	return outcome
}

func decode(delivery amqp.Delivery) (*Message, error) {
	env, err := contracts.ParseEnvelope(delivery.Body)
	if err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = delivery.CorrelationId
	}

	payload, err := contracts.DecodePayload(delivery.RoutingKey, env.Data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Envelope:    env,
		Payload:     payload,
		RoutingKey:  delivery.RoutingKey,
		Redelivered: delivery.Redelivered,
		Raw:         delivery,
	}, nil
}

// invoke runs handler, turning a panic into an ordinary failure
func invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
