package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/txflow/internal/rabbitmq"
)

// Broker is the part of the connection manager the broker check needs
type Broker interface {
	IsReady() bool
	Session(ctx context.Context) (*rabbitmq.Session, error)
}

// BrokerChecker reports whether the broker connection is ready and its channel open
type BrokerChecker struct {
	broker Broker
}

func NewBrokerChecker(broker Broker) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.broker.IsReady() {
		result.Status = StatusUnhealthy
		result.Message = "connection is not ready"
		result.Duration = time.Since(start)
		return result
	}

	session, err := c.broker.Session(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get session"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if session.Channel().IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "channel is closed"
	} else {
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["confirm_mode"] = session.Confirming()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue is accessible and not backed up
type QueueChecker struct {
	queueName string
	sessions  rabbitmq.SessionProvider
	threshold int
}

// NewQueueChecker creates a queue checker that degrades above threshold messages
func NewQueueChecker(queueName string, sessions rabbitmq.SessionProvider, threshold int) *QueueChecker {
	return &QueueChecker{
		queueName: queueName,
		sessions:  sessions,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	session, err := c.sessions.Session(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get session"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	queue, err := session.Channel().QueueInspect(c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if c.threshold > 0 && queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d messages", c.queueName, queue.Messages)
	}

	return result
}

// Pinger is satisfied by *sql.DB and the sql stores
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker pings the database
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if err := c.db.PingContext(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "database ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "database is reachable"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker degrades when the goroutine count passes its thresholds
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
