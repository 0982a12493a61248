package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/internal/rabbitmq"
)

// Publisher publishes envelopes to the transactions exchange
type Publisher struct {
	sessions rabbitmq.SessionProvider
	exchange string
	logger   *slog.Logger
	metrics  MetricsRecorder
	now      func() time.Time
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics recorder
func WithPublisherMetrics(metrics MetricsRecorder) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithExchange overrides the target exchange
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithPublisherClock sets the time source for envelope timestamps
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// NewPublisher creates a new publisher
func NewPublisher(sessions rabbitmq.SessionProvider, options ...PublisherOption) *Publisher {
	p := &Publisher{
		sessions: sessions,
		exchange: contracts.ExchangeTransactions,
		logger:   slog.Default(),
		metrics:  noopRecorder{},
		now:      time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish wraps data in a first-attempt envelope and publishes it under routingKey.
// It waits for the connection to be ready and, in confirm mode, for the broker ack.
// A failure is returned as is; Publish never retries.
func (p *Publisher) Publish(ctx context.Context, routingKey string, data any, correlationID string) error {
	if payload, ok := asPayload(data); ok {
		if payload.Kind() != routingKey {
			return fmt.Errorf("payload of kind %s cannot be published as %s", payload.Kind(), routingKey)
		}
		if err := payload.Validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", routingKey, err)
		}
	}

	now := p.now()
	env, err := contracts.NewEnvelope(data, correlationID, now)
	if err != nil {
		return err
	}

	msg, err := rabbitmq.EnvelopePublishing(env, now)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	session, err := p.sessions.Session(ctx)
	if err != nil {
		p.metrics.RecordPublish(routingKey, err)
		return err
	}

	if err := session.Publish(ctx, p.exchange, routingKey, msg); err != nil {
		p.metrics.RecordPublish(routingKey, err)
		p.logger.Error("failed to publish message",
			"correlationId", env.CorrelationID,
			"routingKey", routingKey,
			"error", err,
		)
		return err
	}

	p.metrics.RecordPublish(routingKey, nil)
	p.logger.Debug("published message",
		"correlationId", env.CorrelationID,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
	)
	return nil
}

// asPayload returns data as a contracts.Payload, also when data is a payload
// struct passed by value whose methods have pointer receivers.
func asPayload(data any) (contracts.Payload, bool) {
	if payload, ok := data.(contracts.Payload); ok {
		return payload, true
	}

	v := reflect.ValueOf(data)
	if !v.IsValid() || v.Kind() == reflect.Pointer {
		return nil, false
	}
	ptr := reflect.New(v.Type())
	ptr.Elem().Set(v)
	payload, ok := ptr.Interface().(contracts.Payload)
	return payload, ok
}
