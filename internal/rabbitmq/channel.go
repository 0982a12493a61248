package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the pipeline uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueInspect(name string) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the pipeline uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string, config amqp.Config) (Connection, error)

// DialAMQP dials a real broker with amqp091-go
func DialAMQP(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(ch)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// SessionProvider hands out the ready session, waiting for it if needed.
// *ConnectionManager implements it.
type SessionProvider interface {
	Session(ctx context.Context) (*Session, error)
}

// Session is the ready channel of one connection lifecycle.
// Publishes are serialized so each confirmation maps to exactly one publish.
type Session struct {
	ch       Channel
	confirms chan amqp.Confirmation
	mu       sync.Mutex
	lastTag  uint64
}

func newSession(ch Channel, confirm bool) (*Session, error) {
	s := &Session{ch: ch}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("failed to enable confirms: %w", err)
		}
		s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	}
	return s, nil
}

// Channel returns the underlying channel
func (s *Session) Channel() Channel {
	return s.ch
}

// Confirming reports whether publisher confirms are enabled
func (s *Session) Confirming() bool {
	return s.confirms != nil
}

// Publish sends msg and, in confirm mode, waits for the broker acknowledgement
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return s.publishError(exchange, routingKey, err)
	}
	if s.confirms == nil {
		return nil
	}

	s.lastTag++
	for {
		select {
		case confirm, ok := <-s.confirms:
			if !ok {
				return s.publishError(exchange, routingKey, ErrChannelClosed)
			}
			// stale confirmation of a publish whose caller gave up waiting
			if confirm.DeliveryTag < s.lastTag {
				continue
			}
			if !confirm.Ack {
				return s.publishError(exchange, routingKey, ErrPublishNotConfirmed)
			}
			return nil

		case <-ctx.Done():
			return s.publishError(exchange, routingKey, ctx.Err())
		}
	}
}

func (s *Session) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
