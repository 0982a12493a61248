// Package interceptors wraps message handlers with cross-cutting behavior such as
// logging and processing deadlines.
package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/txflow/messaging"
)

// Interceptor processes a message and calls next to continue the chain
type Interceptor interface {
	Intercept(ctx context.Context, msg *messaging.Message, next messaging.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *messaging.Message, next messaging.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *messaging.Message, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *messaging.Message, next messaging.Handler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in the order they were added
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then returns final wrapped by every interceptor; the first added runs outermost
func (c *Chain) Then(final messaging.Handler) messaging.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg *messaging.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		}
	}
	return handler
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"correlationId", msg.CorrelationID(),
		"routingKey", msg.RoutingKey,
		"retryCount", msg.RetryCount(),
		"redelivered", msg.Redelivered,
	)

	err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("message handler failed",
			"correlationId", msg.CorrelationID(),
			"routingKey", msg.RoutingKey,
			"retryCount", msg.RetryCount(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message handled",
			"correlationId", msg.CorrelationID(),
			"routingKey", msg.RoutingKey,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the time a handler may take. The handler observes the
// deadline through its context; when it returns after the deadline the failure is
// reported as a timeout and the message is retried.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.Handler) error {
	if i.timeout <= 0 {
		return next(ctx, msg)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(timeoutCtx, msg)
	if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("message processing timeout after %v: %w", i.timeout, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
