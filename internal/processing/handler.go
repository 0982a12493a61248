// Package processing implements the settlement step of the pipeline: the handler
// that consumes transaction.created messages exactly once per business id.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/internal/idempotency"
	"github.com/glimte/txflow/internal/transaction"
	"github.com/glimte/txflow/messaging"
)

// ErrTransactionNotFound is returned when a message references a transaction the
// store does not know. The message is retried; the record may not be visible yet.
var ErrTransactionNotFound = errors.New("processing: transaction not found")

// Recorder receives handler statistics
type Recorder interface {
	RecordDuplicate()
	RecordSettled(status transaction.Status)
}

type noopRecorder struct{}

func (noopRecorder) RecordDuplicate()                 {}
func (noopRecorder) RecordSettled(transaction.Status) {}

// TransactionHandler settles transactions announced by transaction.created
type TransactionHandler struct {
	store   transaction.Store
	ledger  idempotency.Ledger
	settler Settler
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

// Option configures the TransactionHandler
type Option func(*TransactionHandler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *TransactionHandler) {
		h.logger = logger
	}
}

// WithSettler replaces the default RuleSettler
func WithSettler(settler Settler) Option {
	return func(h *TransactionHandler) {
		h.settler = settler
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(metrics Recorder) Option {
	return func(h *TransactionHandler) {
		h.metrics = metrics
	}
}

// WithClock sets the time source for ledger records
func WithClock(now func() time.Time) Option {
	return func(h *TransactionHandler) {
		h.now = now
	}
}

func NewTransactionHandler(store transaction.Store, ledger idempotency.Ledger, options ...Option) *TransactionHandler {
	h := &TransactionHandler{
		store:   store,
		ledger:  ledger,
		settler: RuleSettler{},
		logger:  slog.Default(),
		metrics: noopRecorder{},
		now:     time.Now,
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

// Handle processes one transaction.created message. It has the messaging.Handler
// signature so it can be passed to Subscriber.Consume directly.
func (h *TransactionHandler) Handle(ctx context.Context, msg *messaging.Message) error {
	created, ok := msg.Payload.(*contracts.TransactionCreated)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T for %s", contracts.ErrMalformedMessage, msg.Payload, msg.RoutingKey)
	}

	messageID := idempotency.MessageID(created.ID)
	logger := h.logger.With(
		"correlationId", msg.CorrelationID(),
		"transactionId", created.ID,
		"messageId", messageID,
	)

	processed, err := h.ledger.Exists(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to check idempotency ledger: %w", err)
	}
	if processed {
		logger.Info("message already processed, skipping")
		h.metrics.RecordDuplicate()
		return nil
	}

	tx, err := h.store.FindByID(ctx, created.ID)
	if errors.Is(err, transaction.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, created.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to load transaction %s: %w", created.ID, err)
	}

	if tx.Status.IsFinal() {
		logger.Info("transaction already final, recording message only", "status", tx.Status)
	} else {
		status := h.settler.Settle(tx)
		if _, err := h.store.UpdateStatus(ctx, tx.ID, status); err != nil {
			return fmt.Errorf("failed to update transaction %s to %s: %w", tx.ID, status, err)
		}
		logger.Info("transaction settled", "status", status)
		h.metrics.RecordSettled(status)
	}

	payload, err := recordPayload(msg)
	if err != nil {
		return err
	}
	inserted, err := h.ledger.Insert(ctx, idempotency.NewRecord(messageID, msg.CorrelationID(), payload, h.now()))
	if err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}
	if !inserted {
		logger.Warn("concurrent duplicate recorded the message first")
		h.metrics.RecordDuplicate()
	}

	return nil
}

// recordPayload is the envelope as received, or re-serialized when the message did
// not come off the wire
func recordPayload(msg *messaging.Message) ([]byte, error) {
	if len(msg.Raw.Body) > 0 {
		return msg.Raw.Body, nil
	}
	body, err := msg.Envelope.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope for ledger: %w", err)
	}
	return body, nil
}
