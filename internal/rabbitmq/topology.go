package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/txflow/contracts"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string     `yaml:"name"`
	Type       string     `yaml:"type"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete,omitempty"`
	Arguments  amqp.Table `yaml:"arguments,omitempty"`
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string     `yaml:"name"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete,omitempty"`
	Exclusive  bool       `yaml:"exclusive,omitempty"`
	Arguments  amqp.Table `yaml:"arguments,omitempty"`
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string     `yaml:"queue"`
	Exchange   string     `yaml:"exchange"`
	RoutingKey string     `yaml:"routingKey"`
	Arguments  amqp.Table `yaml:"arguments,omitempty"`
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration `yaml:"exchanges"`
	Queues    []QueueDeclaration    `yaml:"queues"`
	Bindings  []Binding             `yaml:"bindings"`
}

// TopologyConfig holds the tunable parts of the transaction topology
type TopologyConfig struct {
	RetryTTL time.Duration
}

// TransactionTopology builds the exchange and queue graph of the transaction pipeline.
//
// The processing queue dead-letters rejected deliveries to the DLX under
// transaction.failed. The retry queue holds each message for RetryTTL and then
// dead-letters it back into the main exchange under transaction.created.
func TransactionTopology(cfg TopologyConfig) Topology {
	ttl := cfg.RetryTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: contracts.ExchangeTransactions, Type: amqp.ExchangeTopic, Durable: true},
			{Name: contracts.ExchangeTransactionsDLX, Type: amqp.ExchangeTopic, Durable: true},
			{Name: contracts.ExchangeTransactionsRetry, Type: amqp.ExchangeTopic, Durable: true},
		},
		Queues: []QueueDeclaration{
			{
				Name:    contracts.QueueTransactionProcessing,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    contracts.ExchangeTransactionsDLX,
					"x-dead-letter-routing-key": contracts.RoutingKeyTransactionFailed,
				},
			},
			{
				Name:    contracts.QueueTransactionDLQ,
				Durable: true,
			},
			{
				Name:    contracts.QueueTransactionRetry,
				Durable: true,
				Arguments: amqp.Table{
					"x-message-ttl":             ttl.Milliseconds(),
					"x-dead-letter-exchange":    contracts.ExchangeTransactions,
					"x-dead-letter-routing-key": contracts.RoutingKeyTransactionCreated,
				},
			},
		},
		Bindings: []Binding{
			{
				Queue:      contracts.QueueTransactionProcessing,
				Exchange:   contracts.ExchangeTransactions,
				RoutingKey: contracts.RoutingKeyTransactionCreated,
			},
			{
				Queue:      contracts.QueueTransactionDLQ,
				Exchange:   contracts.ExchangeTransactionsDLX,
				RoutingKey: "#",
			},
			{
				Queue:      contracts.QueueTransactionRetry,
				Exchange:   contracts.ExchangeTransactionsRetry,
				RoutingKey: "#",
			},
		},
	}
}

// Validate checks that every binding references a declared exchange and queue
func (t Topology) Validate() error {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, e := range t.Exchanges {
		if e.Name == "" || e.Type == "" {
			return fmt.Errorf("%w: exchange needs a name and a type", ErrInvalidTopology)
		}
		exchanges[e.Name] = true
	}
	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue needs a name", ErrInvalidTopology)
		}
		queues[q.Name] = true
	}
	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			return fmt.Errorf("%w: binding references undeclared exchange %q", ErrInvalidTopology, b.Exchange)
		}
		if !queues[b.Queue] {
			return fmt.Errorf("%w: binding references undeclared queue %q", ErrInvalidTopology, b.Queue)
		}
	}
	return nil
}

// DeclareTopology validates topology, then declares exchanges, then queues, then bindings.
// Declarations are idempotent as long as the arguments never change.
func DeclareTopology(ch Channel, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return err
	}

	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, queue := range topology.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, binding := range topology.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      fmt.Sprintf("%s->%s(%s)", binding.Exchange, binding.Queue, binding.RoutingKey),
				Op:        "bind",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}

// TopologySetup returns a setup hook declaring topology on each new channel
func TopologySetup(topology Topology) SetupFunc {
	return func(_ context.Context, ch Channel) error {
		return DeclareTopology(ch, topology)
	}
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
