package contracts

// Exchange names. All exchanges are durable topic exchanges.
const (
	ExchangeTransactions      = "transactions.exchange"
	ExchangeTransactionsDLX   = "transactions.dlx.exchange"
	ExchangeTransactionsRetry = "transactions.retry.exchange"
)

// Queue names
const (
	QueueTransactionProcessing = "transactions.processing.queue"
	QueueTransactionDLQ        = "transactions.dlq.queue"
	QueueTransactionRetry      = "transactions.retry.queue"
)

// Routing keys
const (
	RoutingKeyTransactionCreated = "transaction.created"
	RoutingKeyTransactionFailed  = "transaction.failed"
)
