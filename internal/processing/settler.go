package processing

import (
	"github.com/glimte/txflow/internal/transaction"
)

// Settler decides the final status of a pending transaction
type Settler interface {
	Settle(t *transaction.Transaction) transaction.Status
}

// SettlerFunc adapts a function to Settler
type SettlerFunc func(t *transaction.Transaction) transaction.Status

func (f SettlerFunc) Settle(t *transaction.Transaction) transaction.Status {
	return f(t)
}

// RuleSettler completes a transaction with a positive amount, an upper-case
// three-letter currency and both parties set; anything else fails.
type RuleSettler struct{}

func (RuleSettler) Settle(t *transaction.Transaction) transaction.Status {
	if t.AmountCents <= 0 || !isCurrencyCode(t.Currency) {
		return transaction.StatusFailed
	}
	if t.MerchantID == "" || t.CustomerID == "" {
		return transaction.StatusFailed
	}
	return transaction.StatusCompleted
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
