package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/txflow/contracts"
)

// EventPublisher announces a created transaction
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, data any, correlationID string) error
}

// UnpublishedError is returned by Create when the transaction was persisted but its
// creation event could not be published. The record stays PENDING until the event is
// published again.
type UnpublishedError struct {
	Transaction *Transaction
	Err         error
}

func (e *UnpublishedError) Error() string {
	return fmt.Sprintf("transaction %s persisted but not published: %v", e.Transaction.ID, e.Err)
}

func (e *UnpublishedError) Unwrap() error {
	return e.Err
}

// Service creates transactions and reads them back
type Service struct {
	store     Store
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// ServiceOption configures the Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceClock sets the time source
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator sets the transaction id generator
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		s.newID = newID
	}
}

func NewService(store Store, publisher EventPublisher, options ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Create persists a new transaction and then publishes transaction.created.
// Persist and publish are not atomic: when the publish fails the stored record is
// returned together with an *UnpublishedError.
func (s *Service) Create(ctx context.Context, in CreateInput, correlationID string) (*Transaction, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &Transaction{
		ID:          s.newID(),
		AmountCents: in.AmountCents,
		Currency:    in.Currency,
		Status:      StatusPending,
		MerchantID:  in.MerchantID,
		CustomerID:  in.CustomerID,
		Description: in.Description,
		Metadata:    in.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Status != "" {
		t.Status = in.Status
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	event := &contracts.TransactionCreated{
		ID:          t.ID,
		AmountCents: t.AmountCents,
		Currency:    t.Currency,
		MerchantID:  t.MerchantID,
		CustomerID:  t.CustomerID,
	}
	if err := s.publisher.Publish(ctx, contracts.RoutingKeyTransactionCreated, event, correlationID); err != nil {
		s.logger.Error("transaction persisted but creation event not published",
			"transactionId", t.ID,
			"correlationId", correlationID,
			"error", err,
		)
		return t, &UnpublishedError{Transaction: t, Err: err}
	}

	s.logger.Info("transaction created",
		"transactionId", t.ID,
		"correlationId", correlationID,
		"status", t.Status,
	)
	return t, nil
}

// Get returns one transaction or ErrNotFound
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.FindByID(ctx, id)
}

// List returns transactions matching filter, newest first
func (s *Service) List(ctx context.Context, filter Filter) ([]*Transaction, error) {
	return s.store.List(ctx, filter)
}
