package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the ISO-8601 layout used for envelope timestamps (UTC, millisecond precision)
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope wraps a business payload for transport
type Envelope struct {
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     string          `json:"timestamp"`
	RetryCount    int             `json:"retryCount"`
}

// NewEnvelope serializes data into a first-attempt envelope.
// A correlation id is generated when none is supplied.
func NewEnvelope(data any, correlationID string, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to serialize payload: %w", err)
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	return Envelope{
		Data:          raw,
		CorrelationID: correlationID,
		Timestamp:     FormatTimestamp(now),
		RetryCount:    0,
	}, nil
}

// NextAttempt returns the envelope for the next delivery attempt.
// The receiver is left untouched.
func (e Envelope) NextAttempt(now time.Time) Envelope {
	next := e
	next.Data = append(json.RawMessage(nil), e.Data...)
	next.RetryCount = e.RetryCount + 1
	next.Timestamp = FormatTimestamp(now)
	return next
}

// ResetAttempts returns a copy with the retry count cleared, used when an operator
// replays a dead-lettered message.
func (e Envelope) ResetAttempts(now time.Time) Envelope {
	next := e
	next.Data = append(json.RawMessage(nil), e.Data...)
	next.RetryCount = 0
	next.Timestamp = FormatTimestamp(now)
	return next
}

// Time parses the envelope timestamp
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Marshal serializes the envelope to its wire form
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes and validates a wire body.
// A missing retryCount is read as zero.
func ParseEnvelope(body []byte) (Envelope, error) {
	var wire struct {
		Data          json.RawMessage `json:"data"`
		CorrelationID string          `json:"correlationId"`
		Timestamp     string          `json:"timestamp"`
		RetryCount    *int            `json:"retryCount"`
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&wire); err != nil {
		return Envelope{}, &DecodeError{Stage: "envelope", Err: err}
	}
	if dec.More() {
		return Envelope{}, &DecodeError{Stage: "envelope", Err: errors.New("trailing data after envelope")}
	}

	if len(wire.Data) == 0 || bytes.Equal(bytes.TrimSpace(wire.Data), []byte("null")) {
		return Envelope{}, &DecodeError{Stage: "envelope", Err: errors.New("missing data")}
	}

	env := Envelope{
		Data:          wire.Data,
		CorrelationID: wire.CorrelationID,
		Timestamp:     wire.Timestamp,
	}
	if wire.RetryCount != nil {
		if *wire.RetryCount < 0 {
			return Envelope{}, &DecodeError{Stage: "envelope", Err: fmt.Errorf("negative retryCount %d", *wire.RetryCount)}
		}
		env.RetryCount = *wire.RetryCount
	}
	if env.Timestamp != "" {
		if _, err := env.Time(); err != nil {
			return Envelope{}, &DecodeError{Stage: "envelope", Err: fmt.Errorf("invalid timestamp: %w", err)}
		}
	}

	return env, nil
}

// FormatTimestamp renders t in the envelope timestamp layout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
