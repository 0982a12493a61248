// Package idempotency records which messages have already been processed so that
// redelivered or duplicated messages are acknowledged without repeating their effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// StatusProcessed is the status written for a successfully handled message
const StatusProcessed = "processed"

// Record is one processed message
type Record struct {
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	ProcessedAt   time.Time       `json:"processedAt"`
}

// NewRecord builds a processed record for messageID, defaulting the status
func NewRecord(messageID, correlationID string, payload []byte, now time.Time) Record {
	return Record{
		MessageID:     messageID,
		CorrelationID: correlationID,
		Payload:       append(json.RawMessage(nil), payload...),
		Status:        StatusProcessed,
		ProcessedAt:   now.UTC(),
	}
}

// Ledger stores processed message ids.
//
// Insert must be atomic on MessageID: when a record with the same id already exists
// it returns inserted=false and a nil error instead of overwriting it.
type Ledger interface {
	Exists(ctx context.Context, messageID string) (bool, error)
	Insert(ctx context.Context, record Record) (inserted bool, err error)
}

// MessageID derives the deterministic message id of a business identifier:
// the lower-case hex sha256 of the id bytes, taken verbatim. Every redelivery and
// retry of the same business event maps to the same id.
func MessageID(businessID string) string {
	sum := sha256.Sum256([]byte(businessID))
	return hex.EncodeToString(sum[:])
}
