// Package messaging is the publish and consume surface of the transaction pipeline.
//
// This package implements:
//   - Publisher: wraps data in an envelope and publishes it, persistent and
//     confirmed, to the transactions exchange
//   - Subscriber: consumes a queue, decodes envelopes into typed payloads,
//     invokes the handler and settles every delivery
//
// Every delivery ends in exactly one outcome:
//   - processed: the handler succeeded and the delivery is acked
//   - retried: the next attempt was published to the retry exchange, then the
//     delivery is acked
//   - requeued: the retry publish failed, so the delivery is nacked with requeue
//   - dead-lettered: the retry bound is reached, so the delivery is nacked without
//     requeue and the broker routes it to the DLQ
//   - malformed: the body or payload could not be decoded; nacked without requeue
//     and never retried
//
// Example usage:
//
//	publisher := messaging.NewPublisher(manager)
//	err := publisher.Publish(ctx, contracts.RoutingKeyTransactionCreated,
//		&contracts.TransactionCreated{ID: tx.ID}, correlationID)
//
//	subscriber := messaging.NewSubscriber(consumer, reliability.NewRequeuer(manager))
//	err = subscriber.Consume(ctx, contracts.QueueTransactionProcessing, handler.Handle)
package messaging
