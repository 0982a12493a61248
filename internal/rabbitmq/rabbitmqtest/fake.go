// Package rabbitmqtest provides an in-memory stand-in for the broker connection and
// channel used by the rabbitmq package, for unit tests that must not need a server.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/txflow/internal/rabbitmq"
)

// Publication is one message published on a fake channel
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Settlement records how a delivery was acknowledged
type Settlement struct {
	Tag     uint64
	Acked   bool
	Requeue bool
}

// Acknowledger records Ack, Nack and Reject calls
type Acknowledger struct {
	mu      sync.Mutex
	settled []Settlement
	notify  chan Settlement
}

// NewAcknowledger creates a recorder; every settlement is also sent on Settled()
func NewAcknowledger() *Acknowledger {
	return &Acknowledger{notify: make(chan Settlement, 1024)}
}

func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	a.record(Settlement{Tag: tag, Acked: true})
	return nil
}

func (a *Acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(Settlement{Tag: tag, Requeue: requeue})
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	a.record(Settlement{Tag: tag, Requeue: requeue})
	return nil
}

func (a *Acknowledger) record(s Settlement) {
	a.mu.Lock()
	a.settled = append(a.settled, s)
	a.mu.Unlock()
	a.notify <- s
}

// Settlements returns a copy of everything recorded so far
func (a *Acknowledger) Settlements() []Settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Settlement(nil), a.settled...)
}

// Settled delivers settlements as they happen
func (a *Acknowledger) Settled() <-chan Settlement {
	return a.notify
}

// Channel is an in-memory rabbitmq.Channel
type Channel struct {
	mu sync.Mutex

	// Calls lists declarations in order, e.g. "exchange.declare transactions.exchange"
	Calls     []string
	Exchanges map[string]rabbitmq.ExchangeDeclaration
	Queues    map[string]rabbitmq.QueueDeclaration
	Bindings  []rabbitmq.Binding
	Published []Publication
	Prefetch  int

	// PublishErr fails every publish when set
	PublishErr error
	// NackPublishes makes confirm mode answer with a nack
	NackPublishes bool
	// DeclareErr fails every declaration when set
	DeclareErr error

	Ack *Acknowledger

	confirms   chan amqp.Confirmation
	confirmTag uint64
	deliveries chan amqp.Delivery
	consumers  map[string]bool
	pending    map[string][]amqp.Delivery
	notify     []chan *amqp.Error
	closed     bool
	nextTag    uint64
	published  chan Publication
}

// NewChannel creates an open fake channel
func NewChannel() *Channel {
	return &Channel{
		Exchanges: make(map[string]rabbitmq.ExchangeDeclaration),
		Queues:    make(map[string]rabbitmq.QueueDeclaration),
		Ack:       NewAcknowledger(),
		consumers: make(map[string]bool),
		pending:   make(map[string][]amqp.Delivery),
		published: make(chan Publication, 1024),
	}
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, _, _ bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return c.DeclareErr
	}
	if prev, ok := c.Exchanges[name]; ok && (prev.Type != kind || prev.Durable != durable) {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for exchange " + name}
	}
	c.Calls = append(c.Calls, "exchange.declare "+name)
	c.Exchanges[name] = rabbitmq.ExchangeDeclaration{Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete, Arguments: args}
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	if prev, ok := c.Queues[name]; ok && fmt.Sprint(prev.Arguments) != fmt.Sprint(args) {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for queue " + name}
	}
	c.Calls = append(c.Calls, "queue.declare "+name)
	c.Queues[name] = rabbitmq.QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args}
	return amqp.Queue{Name: name, Messages: len(c.pending[name])}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, _ bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return c.DeclareErr
	}
	c.Calls = append(c.Calls, fmt.Sprintf("queue.bind %s %s %s", exchange, name, key))
	for _, b := range c.Bindings {
		if b.Queue == name && b.Exchange == exchange && b.RoutingKey == key {
			return nil
		}
	}
	c.Bindings = append(c.Bindings, rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key, Arguments: args})
	return nil
}

func (c *Channel) QueueInspect(name string) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Queues[name]; !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	consumers := 0
	if c.consumers[name] {
		consumers = 1
	}
	return amqp.Queue{Name: name, Messages: len(c.pending[name]), Consumers: consumers}, nil
}

func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.deliveries == nil {
		c.deliveries = make(chan amqp.Delivery, 1024)
	}
	c.consumers[queue] = true
	return c.deliveries, nil
}

func (c *Channel) Cancel(_ string, _ bool) error {
	return nil
}

// Deliver hands a delivery to the active consumer, filling in the tag and acknowledger
func (c *Channel) Deliver(d amqp.Delivery) uint64 {
	c.mu.Lock()
	c.nextTag++
	d.DeliveryTag = c.nextTag
	if d.Acknowledger == nil {
		d.Acknowledger = c.Ack
	}
	deliveries := c.deliveries
	c.mu.Unlock()

	deliveries <- d
	return d.DeliveryTag
}

// Enqueue parks a delivery on queue for Get
func (c *Channel) Enqueue(queue string, d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[queue] = append(c.pending[queue], d)
}

func (c *Channel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	if len(c.pending[queue]) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := c.pending[queue][0]
	c.pending[queue] = c.pending[queue][1:]
	c.nextTag++
	d.DeliveryTag = c.nextTag
	if d.Acknowledger == nil {
		d.Acknowledger = c.Ack
	}
	return d, true, nil
}

func (c *Channel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	p := Publication{Exchange: exchange, RoutingKey: key, Msg: msg}
	c.Published = append(c.Published, p)
	confirms := c.confirms
	var confirm amqp.Confirmation
	if confirms != nil {
		c.confirmTag++
		confirm = amqp.Confirmation{DeliveryTag: c.confirmTag, Ack: !c.NackPublishes}
	}
	c.mu.Unlock()

	c.published <- p
	if confirms != nil {
		confirms <- confirm
	}
	return nil
}

// Publications returns a copy of everything published so far
func (c *Channel) Publications() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.Published...)
}

// PublishedCh delivers publications as they happen
func (c *Channel) PublishedCh() <-chan Publication {
	return c.published
}

func (c *Channel) Confirm(_ bool) error {
	return nil
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *Channel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

// Break closes the channel as if the server had closed it with err
func (c *Channel) Break(err *amqp.Error) {
	c.shutdown(err)
}

func (c *Channel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	c.notify = nil
	if c.deliveries != nil {
		close(c.deliveries)
	}
	if c.confirms != nil {
		close(c.confirms)
	}
}

// Connection is an in-memory rabbitmq.Connection
type Connection struct {
	mu       sync.Mutex
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := NewChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Break drops the connection as if the network had failed
func (c *Connection) Break() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// Broker hands out fake connections and remembers them
type Broker struct {
	mu    sync.Mutex
	conns []*Connection
	fails int
	dials chan struct{}
	// DialErr is returned by the next dials while set
	DialErr error
}

// NewBroker creates a fake broker
func NewBroker() *Broker {
	return &Broker{dials: make(chan struct{}, 1024)}
}

// ErrDialRefused is the default dial failure
var ErrDialRefused = errors.New("dial tcp: connection refused")

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(_ string, _ amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		b.dials <- struct{}{}
	}()
	if b.fails > 0 {
		b.fails--
		return nil, ErrDialRefused
	}
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	conn := &Connection{}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailNextDials makes the next n dials fail with ErrDialRefused
func (b *Broker) FailNextDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails = n
}

// Dials signals every dial attempt
func (b *Broker) Dials() <-chan struct{} {
	return b.dials
}

// Connections returns the number of successful dials
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Connection returns the most recent connection
func (b *Broker) Connection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Channel returns the most recent channel of the most recent connection
func (b *Broker) Channel() *Channel {
	conn := b.Connection()
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.channels) == 0 {
		return nil
	}
	return conn.channels[len(conn.channels)-1]
}
