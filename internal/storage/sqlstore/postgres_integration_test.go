//go:build integration

package sqlstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/txflow/internal/idempotency"
	"github.com/glimte/txflow/internal/transaction"
)

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TXFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TXFLOW_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, DriverPostgres, dsn)
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Microsecond)
	store := db.Transactions()
	require.NoError(t, store.Create(ctx, &transaction.Transaction{
		ID: id, AmountCents: 500, Currency: "EUR", Status: transaction.StatusPending,
		MerchantID: "m-it", CustomerID: "c-it", Metadata: map[string]any{"k": "v"},
		CreatedAt: now, UpdatedAt: now,
	}))
	assert.ErrorIs(t, store.Create(ctx, &transaction.Transaction{ID: id, Currency: "EUR", CreatedAt: now, UpdatedAt: now}), transaction.ErrAlreadyExists)

	got, err := store.UpdateStatus(ctx, id, transaction.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, got.Status)
	assert.Equal(t, "v", got.Metadata["k"])

	ledger := db.Ledger()
	messageID := idempotency.MessageID(id)
	inserted, err := ledger.Insert(ctx, idempotency.NewRecord(messageID, "c", []byte(`{"data":{}}`), now))
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = ledger.Insert(ctx, idempotency.NewRecord(messageID, "c", []byte(`{"data":{}}`), now))
	require.NoError(t, err)
	assert.False(t, inserted)
}
