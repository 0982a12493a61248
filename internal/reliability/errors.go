package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Dead letter queue errors
	ErrInvalidDLQMessage = errors.New("dlq: invalid dead letter message")
	ErrInvalidLimit      = errors.New("dlq: replay limit must be positive")
)

// DLQError represents a dead letter queue error
type DLQError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DLQError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("dlq error: %s failed for queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("dlq error: %s failed for message %s in queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}

// RetryError is returned when the next attempt could not be scheduled
type RetryError struct {
	RoutingKey string
	Attempt    int
	Err        error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: scheduling attempt %d for %s failed: %v", e.Attempt, e.RoutingKey, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
