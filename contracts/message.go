package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Payload is the typed business content of an envelope.
// Each kind is bound to the routing key it travels under.
type Payload interface {
	// Kind returns the routing key this payload is published with
	Kind() string
	// BusinessID returns the identity used for idempotency
	BusinessID() string
	Validate() error
}

// TransactionCreated announces a newly persisted transaction that awaits settlement
type TransactionCreated struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amountCents,omitempty"`
	Currency    string `json:"currency,omitempty"`
	MerchantID  string `json:"merchantId,omitempty"`
	CustomerID  string `json:"customerId,omitempty"`
}

func (p *TransactionCreated) Kind() string       { return RoutingKeyTransactionCreated }
func (p *TransactionCreated) BusinessID() string { return p.ID }

// Validate implements Payload
func (p *TransactionCreated) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("id is required")
	}
	if p.AmountCents < 0 {
		return fmt.Errorf("amountCents must not be negative, got %d", p.AmountCents)
	}
	return nil
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]func() Payload{
		RoutingKeyTransactionCreated: func() Payload { return &TransactionCreated{} },
	}
)

// RegisterKind binds a payload factory to a routing key
func RegisterKind(routingKey string, factory func() Payload) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[routingKey] = factory
}

// DecodePayload decodes and validates the data of an envelope delivered under routingKey.
// Every failure wraps ErrMalformedMessage.
func DecodePayload(routingKey string, data json.RawMessage) (Payload, error) {
	kindsMu.RLock()
	factory, ok := kinds[routingKey]
	kindsMu.RUnlock()
	if !ok {
		return nil, &DecodeError{Stage: "payload", Kind: routingKey, Err: ErrUnknownKind}
	}

	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, &DecodeError{Stage: "payload", Kind: routingKey, Err: err}
	}
	if err := payload.Validate(); err != nil {
		return nil, &DecodeError{Stage: "payload", Kind: routingKey, Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}

	return payload, nil
}
