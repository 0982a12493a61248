package processing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/internal/idempotency"
	"github.com/glimte/txflow/internal/mocks"
	"github.com/glimte/txflow/internal/processing"
	"github.com/glimte/txflow/internal/transaction"
	"github.com/glimte/txflow/messaging"
)

type countingRecorder struct {
	mu         sync.Mutex
	duplicates int
	settled    []transaction.Status
}

func (r *countingRecorder) RecordDuplicate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates++
}

func (r *countingRecorder) RecordSettled(status transaction.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, status)
}

func createdMessage(id, correlationID string, retryCount int) *messaging.Message {
	body := []byte(`{"data":{"id":"` + id + `"},"correlationId":"` + correlationID + `","retryCount":0}`)
	return &messaging.Message{
		Envelope: contracts.Envelope{
			Data:          []byte(`{"id":"` + id + `"}`),
			CorrelationID: correlationID,
			RetryCount:    retryCount,
		},
		Payload:    &contracts.TransactionCreated{ID: id},
		RoutingKey: contracts.RoutingKeyTransactionCreated,
		Raw:        amqp.Delivery{Body: body},
	}
}

func pending(id string) *transaction.Transaction {
	return &transaction.Transaction{
		ID:          id,
		AmountCents: 1000,
		Currency:    "USD",
		MerchantID:  "m-1",
		CustomerID:  "c-1",
		Status:      transaction.StatusPending,
	}
}

func TestTransactionHandler(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	messageID := idempotency.MessageID("T1")

	t.Run("settles a pending transaction and records the message", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		ledger := mocks.NewMockLedger(ctrl)
		recorder := &countingRecorder{}
		h := processing.NewTransactionHandler(store, ledger,
			processing.WithClock(func() time.Time { return now }),
			processing.WithRecorder(recorder),
		)

		msg := createdMessage("T1", "c1", 0)
		var recorded idempotency.Record
		gomock.InOrder(
			ledger.EXPECT().Exists(gomock.Any(), messageID).Return(false, nil),
			store.EXPECT().FindByID(gomock.Any(), "T1").Return(pending("T1"), nil),
			store.EXPECT().UpdateStatus(gomock.Any(), "T1", transaction.StatusCompleted).Return(nil, nil),
			ledger.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, r idempotency.Record) (bool, error) {
				recorded = r
				return true, nil
			}),
		)

		require.NoError(t, h.Handle(ctx, msg))
		assert.Equal(t, messageID, recorded.MessageID)
		assert.Equal(t, "c1", recorded.CorrelationID)
		assert.Equal(t, idempotency.StatusProcessed, recorded.Status)
		assert.Equal(t, now, recorded.ProcessedAt)
		assert.JSONEq(t, string(msg.Raw.Body), string(recorded.Payload))
		assert.Equal(t, []transaction.Status{transaction.StatusCompleted}, recorder.settled)
	})

	t.Run("an already processed message skips business logic", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		ledger := mocks.NewMockLedger(ctrl)
		recorder := &countingRecorder{}
		h := processing.NewTransactionHandler(store, ledger, processing.WithRecorder(recorder))

		ledger.EXPECT().Exists(gomock.Any(), messageID).Return(true, nil)

		require.NoError(t, h.Handle(ctx, createdMessage("T1", "c1", 2)))
		assert.Equal(t, 1, recorder.duplicates)
	})

	t.Run("a missing transaction is a retryable failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		ledger := mocks.NewMockLedger(ctrl)
		h := processing.NewTransactionHandler(store, ledger)

		ledger.EXPECT().Exists(gomock.Any(), messageID).Return(false, nil)
		store.EXPECT().FindByID(gomock.Any(), "T1").Return(nil, transaction.ErrNotFound)

		err := h.Handle(ctx, createdMessage("T1", "c1", 0))
		assert.ErrorIs(t, err, processing.ErrTransactionNotFound)
		assert.NotErrorIs(t, err, contracts.ErrMalformedMessage)
	})

	t.Run("store and ledger failures propagate without recording", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		ledger := mocks.NewMockLedger(ctrl)
		h := processing.NewTransactionHandler(store, ledger)

		dbErr := errors.New("deadlock detected")
		ledger.EXPECT().Exists(gomock.Any(), messageID).Return(false, nil)
		store.EXPECT().FindByID(gomock.Any(), "T1").Return(pending("T1"), nil)
		store.EXPECT().UpdateStatus(gomock.Any(), "T1", gomock.Any()).Return(nil, dbErr)

		assert.ErrorIs(t, h.Handle(ctx, createdMessage("T1", "c1", 0)), dbErr)
	})

	t.Run("a ledger lookup failure is returned", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		ledger := mocks.NewMockLedger(ctrl)
		h := processing.NewTransactionHandler(mocks.NewMockStore(ctrl), ledger)

		ledgerErr := errors.New("too many connections")
		ledger.EXPECT().Exists(gomock.Any(), messageID).Return(false, ledgerErr)

		assert.ErrorIs(t, h.Handle(ctx, createdMessage("T1", "c1", 0)), ledgerErr)
	})

	t.Run("a final transaction is not decided again", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		ledger := mocks.NewMockLedger(ctrl)
		h := processing.NewTransactionHandler(store, ledger)

		done := pending("T1")
		done.Status = transaction.StatusFailed
		ledger.EXPECT().Exists(gomock.Any(), messageID).Return(false, nil)
		store.EXPECT().FindByID(gomock.Any(), "T1").Return(done, nil)
		ledger.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(true, nil)

		require.NoError(t, h.Handle(ctx, createdMessage("T1", "c1", 0)))
	})

	t.Run("losing the ledger insert race is success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		ledger := mocks.NewMockLedger(ctrl)
		recorder := &countingRecorder{}
		h := processing.NewTransactionHandler(store, ledger, processing.WithRecorder(recorder))

		ledger.EXPECT().Exists(gomock.Any(), messageID).Return(false, nil)
		store.EXPECT().FindByID(gomock.Any(), "T1").Return(pending("T1"), nil)
		store.EXPECT().UpdateStatus(gomock.Any(), "T1", transaction.StatusCompleted).Return(nil, nil)
		ledger.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(false, nil)

		require.NoError(t, h.Handle(ctx, createdMessage("T1", "c1", 0)))
		assert.Equal(t, 1, recorder.duplicates)
	})

	t.Run("a foreign payload is malformed", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		h := processing.NewTransactionHandler(mocks.NewMockStore(ctrl), mocks.NewMockLedger(ctrl))

		msg := createdMessage("T1", "c1", 0)
		msg.Payload = nil
		assert.ErrorIs(t, h.Handle(ctx, msg), contracts.ErrMalformedMessage)
	})

	t.Run("a custom settler decides the status", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStore(ctrl)
		ledger := mocks.NewMockLedger(ctrl)
		h := processing.NewTransactionHandler(store, ledger, processing.WithSettler(
			processing.SettlerFunc(func(*transaction.Transaction) transaction.Status { return transaction.StatusFailed }),
		))

		ledger.EXPECT().Exists(gomock.Any(), messageID).Return(false, nil)
		store.EXPECT().FindByID(gomock.Any(), "T1").Return(pending("T1"), nil)
		store.EXPECT().UpdateStatus(gomock.Any(), "T1", transaction.StatusFailed).Return(nil, nil)
		ledger.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(true, nil)

		require.NoError(t, h.Handle(ctx, createdMessage("T1", "c1", 0)))
	})
}

func TestTransactionHandlerIdempotency(t *testing.T) {
	ctx := context.Background()
	store := transaction.NewMemoryStore()
	ledger := idempotency.NewMemoryLedger()
	require.NoError(t, store.Create(ctx, pending("T1")))

	settles := 0
	h := processing.NewTransactionHandler(store, ledger, processing.WithSettler(
		processing.SettlerFunc(func(tx *transaction.Transaction) transaction.Status {
			settles++
			return processing.RuleSettler{}.Settle(tx)
		}),
	))

	// same business id, different attempt and correlation metadata
	first := createdMessage("T1", "c1", 0)
	second := createdMessage("T1", "c2", 2)
	second.Envelope.Timestamp = "2026-10-19T11:00:00.000Z"

	require.NoError(t, h.Handle(ctx, first))
	require.NoError(t, h.Handle(ctx, second))

	assert.Equal(t, 1, settles)
	assert.Equal(t, 1, ledger.Len())
	rec, ok := ledger.Get(idempotency.MessageID("T1"))
	require.True(t, ok)
	assert.Equal(t, "c1", rec.CorrelationID)
}
