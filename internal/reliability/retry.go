package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/internal/rabbitmq"
)

// Decision is the outcome chosen for a failed delivery
type Decision int

const (
	// DecisionRetry republishes the next attempt through the retry queue
	DecisionRetry Decision = iota
	// DecisionDeadLetter rejects without requeue so the broker routes to the DLX
	DecisionDeadLetter
	// DecisionReject drops a malformed message to the DLX without any retry
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionDeadLetter:
		return "dead-letter"
	case DecisionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds the number of retries of a message
type RetryPolicy struct {
	MaxRetryCount int
}

// NewRetryPolicy creates a policy; a negative bound is treated as zero
func NewRetryPolicy(maxRetryCount int) RetryPolicy {
	if maxRetryCount < 0 {
		maxRetryCount = 0
	}
	return RetryPolicy{MaxRetryCount: maxRetryCount}
}

// ShouldRetry reports whether a message that failed at retryCount gets another attempt
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetryCount
}

// Decide picks the outcome for a failure of a message at retryCount
func (p RetryPolicy) Decide(retryCount int, err error) Decision {
	if errors.Is(err, contracts.ErrMalformedMessage) {
		return DecisionReject
	}
	if p.ShouldRetry(retryCount) {
		return DecisionRetry
	}
	return DecisionDeadLetter
}

// Requeuer schedules retries through the TTL retry queue
type Requeuer struct {
	sessions rabbitmq.SessionProvider
	exchange string
	logger   *slog.Logger
	now      func() time.Time
}

// RequeuerOption configures the requeuer
type RequeuerOption func(*Requeuer)

// WithRequeuerLogger sets the logger
func WithRequeuerLogger(logger *slog.Logger) RequeuerOption {
	return func(r *Requeuer) {
		r.logger = logger
	}
}

// WithRetryExchange overrides the retry exchange
func WithRetryExchange(exchange string) RequeuerOption {
	return func(r *Requeuer) {
		r.exchange = exchange
	}
}

// WithRequeuerClock sets the time source used for attempt timestamps
func WithRequeuerClock(now func() time.Time) RequeuerOption {
	return func(r *Requeuer) {
		r.now = now
	}
}

// NewRequeuer creates a requeuer publishing to the transactions retry exchange
func NewRequeuer(sessions rabbitmq.SessionProvider, options ...RequeuerOption) *Requeuer {
	r := &Requeuer{
		sessions: sessions,
		exchange: contracts.ExchangeTransactionsRetry,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Requeue publishes env.NextAttempt under routingKey to the retry exchange and
// returns the envelope that was published. The original envelope is unchanged.
func (r *Requeuer) Requeue(ctx context.Context, routingKey string, env contracts.Envelope) (contracts.Envelope, error) {
	now := r.now()
	next := env.NextAttempt(now)

	msg, err := rabbitmq.EnvelopePublishing(next, now)
	if err != nil {
		return contracts.Envelope{}, &RetryError{RoutingKey: routingKey, Attempt: next.RetryCount, Err: err}
	}

	session, err := r.sessions.Session(ctx)
	if err != nil {
		return contracts.Envelope{}, &RetryError{RoutingKey: routingKey, Attempt: next.RetryCount, Err: err}
	}

	if err := session.Publish(ctx, r.exchange, routingKey, msg); err != nil {
		return contracts.Envelope{}, &RetryError{RoutingKey: routingKey, Attempt: next.RetryCount, Err: err}
	}

	r.logger.Info("scheduled retry",
		"correlationId", next.CorrelationID,
		"routingKey", routingKey,
		"retryCount", next.RetryCount,
		"exchange", r.exchange,
	)
	return next, nil
}
