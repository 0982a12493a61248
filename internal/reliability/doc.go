// Package reliability holds the client-side half of retry and dead-lettering.
//
// The broker side is declared by the topology: rejected deliveries dead-letter to
// the DLX, and the retry queue returns messages to the main exchange after its TTL.
// This package decides which path a failed delivery takes:
//   - RetryPolicy: retry while retryCount < MaxRetryCount, otherwise dead-letter;
//     malformed messages are rejected outright
//   - Requeuer: publishes the next attempt to the retry exchange
//   - DeadLetterQueue: inspects and replays the DLQ for operators
//
// Example usage:
//
//	policy := NewRetryPolicy(3)
//	switch policy.Decide(env.RetryCount, err) {
//	case DecisionRetry:
//	    _, err = requeuer.Requeue(ctx, delivery.RoutingKey, env)
//	case DecisionDeadLetter, DecisionReject:
//	    _ = delivery.Nack(false, false)
//	}
package reliability
