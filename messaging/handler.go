package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/txflow/contracts"
)

// Message is a decoded delivery handed to a Handler
type Message struct {
	Envelope    contracts.Envelope
	Payload     contracts.Payload
	RoutingKey  string
	Redelivered bool
	Raw         amqp.Delivery
}

// CorrelationID returns the envelope correlation id
func (m *Message) CorrelationID() string {
	return m.Envelope.CorrelationID
}

// RetryCount returns how many times this message has been retried
func (m *Message) RetryCount() int {
	return m.Envelope.RetryCount
}

// Handler processes a message. A nil error acks the delivery. An error wrapping
// contracts.ErrMalformedMessage rejects it without retry; any other error retries
// it until the retry bound is reached.
type Handler func(ctx context.Context, msg *Message) error

// Outcome is how a delivery was settled
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeRetried      Outcome = "retried"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeMalformed    Outcome = "malformed"
)

// MetricsRecorder receives publish results and delivery outcomes
type MetricsRecorder interface {
	RecordPublish(routingKey string, err error)
	RecordOutcome(routingKey string, outcome Outcome)
}

type noopRecorder struct{}

func (noopRecorder) RecordPublish(string, error)   {}
func (noopRecorder) RecordOutcome(string, Outcome) {}
