// Package transaction holds the transaction record, its store port and the intake
// service that persists a transaction and announces it on the broker.
package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsFinal reports whether no further settlement decision applies
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusPending || s.IsFinal()
}

// ParseStatus parses a status case-insensitively
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

var (
	ErrNotFound        = errors.New("transaction: not found")
	ErrInvalidInput    = errors.New("transaction: invalid input")
	ErrInvalidStatus   = errors.New("transaction: invalid status")
	ErrAlreadyExists   = errors.New("transaction: already exists")
	ErrInvalidAmount   = fmt.Errorf("%w: amountCents must be > 0", ErrInvalidInput)
	ErrInvalidCurrency = fmt.Errorf("%w: currency must be a 3-letter ISO-4217 code", ErrInvalidInput)
)

type Transaction struct {
	ID          string         `json:"id"`
	AmountCents int64          `json:"amountCents"`
	Currency    string         `json:"currency"`
	Status      Status         `json:"status"`
	MerchantID  string         `json:"merchantId"`
	CustomerID  string         `json:"customerId"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone returns a copy that shares nothing mutable with t
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CreateInput is the caller-supplied part of a new transaction
type CreateInput struct {
	AmountCents int64          `json:"amountCents"`
	Currency    string         `json:"currency"`
	MerchantID  string         `json:"merchantId"`
	CustomerID  string         `json:"customerId"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Normalize trims identifiers and upper-cases the currency and status
func (in CreateInput) Normalize() CreateInput {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.MerchantID = strings.TrimSpace(in.MerchantID)
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.Status = Status(strings.ToUpper(strings.TrimSpace(string(in.Status))))
	return in
}

// Validate checks a normalized input
func (in CreateInput) Validate() error {
	if in.AmountCents <= 0 {
		return ErrInvalidAmount
	}
	if len(in.Currency) != 3 {
		return ErrInvalidCurrency
	}
	if in.MerchantID == "" {
		return fmt.Errorf("%w: merchantId is required", ErrInvalidInput)
	}
	if in.CustomerID == "" {
		return fmt.Errorf("%w: customerId is required", ErrInvalidInput)
	}
	if in.Status != "" && !in.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	return nil
}
