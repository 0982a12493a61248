// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package txflow wires the transaction pipeline: broker connection and topology,
// publisher, consumer loop, idempotent transaction handler and the stores behind them.
package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/health"
	"github.com/glimte/txflow/interceptors"
	"github.com/glimte/txflow/internal/config"
	"github.com/glimte/txflow/internal/httpapi"
	"github.com/glimte/txflow/internal/idempotency"
	"github.com/glimte/txflow/internal/metrics"
	"github.com/glimte/txflow/internal/processing"
	"github.com/glimte/txflow/internal/rabbitmq"
	"github.com/glimte/txflow/internal/reliability"
	"github.com/glimte/txflow/internal/storage/sqlstore"
	"github.com/glimte/txflow/internal/transaction"
	"github.com/glimte/txflow/messaging"
)

// dlqDegradedAbove marks the DLQ check degraded once this many messages wait for an operator
const dlqDegradedAbove = 100

// Pipeline provides the main entry point for txflow
type Pipeline struct {
	cfg          *config.Config
	logger       *slog.Logger
	conn         *rabbitmq.ConnectionManager
	topology     rabbitmq.Topology
	publisher    *messaging.Publisher
	subscriber   *messaging.Subscriber
	handler      *processing.TransactionHandler
	service      *transaction.Service
	transactions transaction.Store
	ledger       idempotency.Ledger
	db           *sqlstore.DB
	deadLetters  *reliability.DeadLetterQueue
	health       *health.Registry
}

// pipelineConfig holds pipeline construction options
type pipelineConfig struct {
	logger       *slog.Logger
	dialer       rabbitmq.Dialer
	transactions transaction.Store
	ledger       idempotency.Ledger
	settler      processing.Settler
}

// Option configures the pipeline
type Option func(*pipelineConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *pipelineConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(cfg *pipelineConfig) {
		cfg.dialer = dial
	}
}

// WithStores uses the given stores instead of the ones selected by database.driver
func WithStores(transactions transaction.Store, ledger idempotency.Ledger) Option {
	return func(cfg *pipelineConfig) {
		cfg.transactions = transactions
		cfg.ledger = ledger
	}
}

// WithSettler replaces the settlement rule
func WithSettler(settler processing.Settler) Option {
	return func(cfg *pipelineConfig) {
		cfg.settler = settler
	}
}

// New builds a pipeline from cfg. Nothing is dialed until Connect or Start.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pc := &pipelineConfig{
		logger:  slog.Default(),
		settler: processing.RuleSettler{},
	}
	for _, opt := range options {
		opt(pc)
	}

	p := &Pipeline{
		cfg:    cfg,
		logger: pc.logger,
		topology: rabbitmq.TransactionTopology(rabbitmq.TopologyConfig{
			RetryTTL: cfg.RabbitMQ.RetryTTL(),
		}),
		transactions: pc.transactions,
		ledger:       pc.ledger,
	}

	if p.transactions == nil || p.ledger == nil {
		if err := p.openStores(ctx); err != nil {
			return nil, err
		}
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(p.logger),
		rabbitmq.WithHeartbeat(cfg.RabbitMQ.HeartbeatInterval()),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay()),
		rabbitmq.WithConfirmMode(cfg.RabbitMQ.ConfirmPublish),
	}
	if pc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(pc.dialer))
	}
	p.conn = rabbitmq.NewConnectionManager(cfg.RabbitMQ.URL, connOpts...)
	p.conn.AddStateListener(metrics.Recorder{})

	if err := p.conn.AddSetup(ctx, rabbitmq.TopologySetup(p.topology)); err != nil {
		p.closeStores()
		return nil, fmt.Errorf("failed to register topology setup: %w", err)
	}

	recorder := metrics.Recorder{}
	p.publisher = messaging.NewPublisher(p.conn,
		messaging.WithPublisherLogger(p.logger),
		messaging.WithPublisherMetrics(recorder),
	)
	p.subscriber = messaging.NewSubscriber(
		rabbitmq.NewConsumer(p.conn,
			rabbitmq.WithPrefetchCount(cfg.RabbitMQ.Prefetch),
			rabbitmq.WithConsumerLogger(p.logger),
		),
		reliability.NewRequeuer(p.conn, reliability.WithRequeuerLogger(p.logger)),
		messaging.WithRetryPolicy(reliability.NewRetryPolicy(cfg.RabbitMQ.MaxRetryCount)),
		messaging.WithSubscriberLogger(p.logger),
		messaging.WithSubscriberMetrics(recorder),
	)
	p.handler = processing.NewTransactionHandler(p.transactions, p.ledger,
		processing.WithLogger(p.logger),
		processing.WithSettler(pc.settler),
		processing.WithRecorder(recorder),
	)
	p.service = transaction.NewService(p.transactions, p.publisher,
		transaction.WithServiceLogger(p.logger),
	)
	p.deadLetters = reliability.NewDeadLetterQueue(p.conn, reliability.WithDLQLogger(p.logger))

	p.health = health.NewRegistry()
	p.health.SetMetadata("service", "txflow")
	p.health.Register(health.NewBrokerChecker(p.conn))
	p.health.Register(health.NewQueueChecker(contracts.QueueTransactionProcessing, p.conn, 0))
	p.health.Register(health.NewQueueChecker(contracts.QueueTransactionDLQ, p.conn, dlqDegradedAbove))
	if p.db != nil {
		p.health.Register(health.NewDatabaseChecker(p.db))
	}

	return p, nil
}

func (p *Pipeline) openStores(ctx context.Context) error {
	switch p.cfg.Database.Driver {
	case config.DriverMemory:
		if p.transactions == nil {
			p.transactions = transaction.NewMemoryStore()
		}
		if p.ledger == nil {
			p.ledger = idempotency.NewMemoryLedger()
		}
		return nil
	default:
		db, err := sqlstore.Open(ctx, p.cfg.Database.Driver, p.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		p.db = db
		if p.transactions == nil {
			p.transactions = db.Transactions()
		}
		if p.ledger == nil {
			p.ledger = db.Ledger()
		}
		return nil
	}
}

// Connect establishes the broker connection and declares the topology. An error
// here is fatal to the caller; after success lost connections are re-established
// in the background.
func (p *Pipeline) Connect(ctx context.Context) error {
	if err := p.conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	return nil
}

// Start connects and consumes the processing queue until ctx is done
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	handler := interceptors.NewChain(
		interceptors.NewLoggingInterceptor(p.logger),
		interceptors.NewTimeoutInterceptor(p.cfg.RabbitMQ.HandlerTimeout()),
	).Then(p.handler.Handle)
	if err := p.subscriber.Consume(ctx, contracts.QueueTransactionProcessing, handler); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	p.logger.Info("pipeline started",
		"queue", contracts.QueueTransactionProcessing,
		"prefetch", p.cfg.RabbitMQ.Prefetch,
		"maxRetryCount", p.cfg.RabbitMQ.MaxRetryCount,
	)
	return nil
}

// Wait blocks until consumption started by Start has stopped and in-flight
// handlers have returned
func (p *Pipeline) Wait() {
	p.subscriber.Wait()
}

// Publish wraps data in an envelope and publishes it under routingKey
func (p *Pipeline) Publish(ctx context.Context, routingKey string, data any, correlationID string) error {
	return p.publisher.Publish(ctx, routingKey, data, correlationID)
}

// Republish publishes transaction.created for a stored transaction. When id is not
// in the store only the id is sent.
func (p *Pipeline) Republish(ctx context.Context, id, correlationID string) error {
	event := &contracts.TransactionCreated{ID: id}
	t, err := p.transactions.FindByID(ctx, id)
	switch {
	case err == nil:
		event.AmountCents = t.AmountCents
		event.Currency = t.Currency
		event.MerchantID = t.MerchantID
		event.CustomerID = t.CustomerID
	case errors.Is(err, transaction.ErrNotFound):
		p.logger.Warn("transaction not in store, publishing id only", "transactionId", id)
	default:
		return err
	}
	return p.publisher.Publish(ctx, contracts.RoutingKeyTransactionCreated, event, correlationID)
}

// Transactions returns the intake service
func (p *Pipeline) Transactions() *transaction.Service {
	return p.service
}

// DeadLetters returns the DLQ handle
func (p *Pipeline) DeadLetters() *reliability.DeadLetterQueue {
	return p.deadLetters
}

// Topology returns the declared exchange and queue graph
func (p *Pipeline) Topology() rabbitmq.Topology {
	return p.topology
}

// Health returns the health registry
func (p *Pipeline) Health() *health.Registry {
	return p.health
}

// IsReady reports whether the broker connection is ready
func (p *Pipeline) IsReady() bool {
	return p.conn.IsReady()
}

// HTTPServer builds the HTTP surface over this pipeline
func (p *Pipeline) HTTPServer() *httpapi.Server {
	return httpapi.NewServer(p.service,
		httpapi.WithLogger(p.logger),
		httpapi.WithHealth(health.NewHandler(p.health, 5*time.Second)),
		httpapi.WithReadiness(p),
	)
}

// Close closes the broker connection and the database
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) closeStores() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
