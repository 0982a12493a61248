// Package mocks provides mock implementations for testing purposes.
package mocks

//go:generate mockgen -destination=mock_transaction.go -package=mocks github.com/glimte/txflow/internal/transaction Store,EventPublisher
//go:generate mockgen -destination=mock_idempotency.go -package=mocks github.com/glimte/txflow/internal/idempotency Ledger
