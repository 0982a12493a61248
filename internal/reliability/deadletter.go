package reliability

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/internal/rabbitmq"
)

// DeadLetterQueue gives operators a view of the DLQ and a way to replay it
type DeadLetterQueue struct {
	sessions rabbitmq.SessionProvider
	queue    string
	exchange string
	logger   *slog.Logger
	now      func() time.Time
}

// DLQOption configures the dead letter queue
type DLQOption func(*DeadLetterQueue)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(d *DeadLetterQueue) {
		d.logger = logger
	}
}

// WithDLQClock sets the time source for replayed envelopes
func WithDLQClock(now func() time.Time) DLQOption {
	return func(d *DeadLetterQueue) {
		d.now = now
	}
}

// NewDeadLetterQueue creates a handle for the transactions DLQ
func NewDeadLetterQueue(sessions rabbitmq.SessionProvider, options ...DLQOption) *DeadLetterQueue {
	d := &DeadLetterQueue{
		sessions: sessions,
		queue:    contracts.QueueTransactionDLQ,
		exchange: contracts.ExchangeTransactions,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// QueueStats is a point-in-time view of a queue
type QueueStats struct {
	Queue     string `json:"queue" yaml:"queue"`
	Messages  int    `json:"messages" yaml:"messages"`
	Consumers int    `json:"consumers" yaml:"consumers"`
}

// ReplayResult counts what Replay did
type ReplayResult struct {
	Replayed int `json:"replayed" yaml:"replayed"`
	Skipped  int `json:"skipped" yaml:"skipped"`
}

// DeathMetadata is what the broker recorded when it dead-lettered a message
type DeathMetadata struct {
	Queue       string
	Reason      string
	Count       int
	RoutingKeys []string
}

// Inspect returns message and consumer counts of the DLQ
func (d *DeadLetterQueue) Inspect(ctx context.Context) (QueueStats, error) {
	session, err := d.sessions.Session(ctx)
	if err != nil {
		return QueueStats{}, &DLQError{Queue: d.queue, Op: "inspect", Err: err, Timestamp: time.Now()}
	}

	q, err := session.Channel().QueueInspect(d.queue)
	if err != nil {
		return QueueStats{}, &DLQError{Queue: d.queue, Op: "inspect", Err: err, Timestamp: time.Now()}
	}

	return QueueStats{Queue: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Replay moves up to limit messages from the DLQ back to the main exchange with
// retryCount reset to zero. A message is acked only after its republish succeeded.
// Malformed messages stay in the DLQ and are counted as skipped.
func (d *DeadLetterQueue) Replay(ctx context.Context, limit int) (ReplayResult, error) {
	var result ReplayResult
	if limit <= 0 {
		return result, &DLQError{Queue: d.queue, Op: "replay", Err: ErrInvalidLimit, Timestamp: time.Now()}
	}

	session, err := d.sessions.Session(ctx)
	if err != nil {
		return result, &DLQError{Queue: d.queue, Op: "replay", Err: err, Timestamp: time.Now()}
	}
	ch := session.Channel()

	// skipped deliveries are held unacked until the end so Get cannot return them again
	var held []amqp.Delivery
	defer func() {
		for _, msg := range held {
			if err := msg.Nack(false, true); err != nil {
				d.logger.Error("failed to return skipped message to the DLQ", "error", err, "messageId", msg.MessageId)
			}
		}
	}()

	for result.Replayed+result.Skipped < limit {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		msg, ok, err := ch.Get(d.queue, false)
		if err != nil {
			return result, &DLQError{Queue: d.queue, Op: "get", Err: err, Timestamp: time.Now()}
		}
		if !ok {
			break
		}

		env, err := contracts.ParseEnvelope(msg.Body)
		if err != nil {
			d.logger.Warn("skipping malformed dead letter",
				"messageId", msg.MessageId,
				"error", err,
			)
			held = append(held, msg)
			result.Skipped++
			continue
		}

		routingKey := OriginalRoutingKey(msg)
		now := d.now()
		publishing, err := rabbitmq.EnvelopePublishing(env.ResetAttempts(now), now)
		if err == nil {
			err = session.Publish(ctx, d.exchange, routingKey, publishing)
		}
		if err != nil {
			held = append(held, msg)
			return result, &DLQError{Queue: d.queue, MessageID: msg.MessageId, Op: "republish", Err: err, Timestamp: time.Now()}
		}

		if err := msg.Ack(false); err != nil {
			return result, &DLQError{Queue: d.queue, MessageID: msg.MessageId, Op: "ack", Err: err, Timestamp: time.Now()}
		}

		result.Replayed++
		d.logger.Info("replayed dead letter",
			"correlationId", env.CorrelationID,
			"routingKey", routingKey,
			"previousRetryCount", env.RetryCount,
		)
	}

	return result, nil
}

// Death extracts the first x-death entry the broker attached to a dead-lettered message
func Death(msg amqp.Delivery) (DeathMetadata, bool) {
	deaths, ok := msg.Headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return DeathMetadata{}, false
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return DeathMetadata{}, false
	}

	meta := DeathMetadata{
		Queue:  getHeaderString(death, "queue"),
		Reason: getHeaderString(death, "reason"),
		Count:  getHeaderInt(death, "count"),
	}
	if keys, ok := death["routing-keys"].([]interface{}); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				meta.RoutingKeys = append(meta.RoutingKeys, s)
			}
		}
	}
	return meta, true
}

// OriginalRoutingKey recovers the routing key a message had before it was dead-lettered.
// The DLX rewrites it to transaction.failed, so x-death is consulted first.
func OriginalRoutingKey(msg amqp.Delivery) string {
	if death, ok := Death(msg); ok && len(death.RoutingKeys) > 0 {
		return death.RoutingKeys[0]
	}
	if msg.RoutingKey != "" && msg.RoutingKey != contracts.RoutingKeyTransactionFailed {
		return msg.RoutingKey
	}
	return contracts.RoutingKeyTransactionCreated
}

// getHeaderString safely extracts a string from headers
func getHeaderString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

// getHeaderInt safely extracts an int from headers
func getHeaderInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
