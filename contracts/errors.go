package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage marks a delivery that can never be processed.
	// Consumers reject such messages without retrying them.
	ErrMalformedMessage = errors.New("contracts: malformed message")

	// ErrUnknownKind is returned when no payload kind is registered for a routing key
	ErrUnknownKind = fmt.Errorf("%w: unknown payload kind", ErrMalformedMessage)

	// ErrInvalidPayload is returned when a payload fails validation
	ErrInvalidPayload = fmt.Errorf("%w: invalid payload", ErrMalformedMessage)
)

// DecodeError describes why a body could not be turned into an envelope or payload
type DecodeError struct {
	Stage string // "envelope" or "payload"
	Kind  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("contracts: decode %s %q: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("contracts: decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformedMessage, e.Err}
}
