// Package contracts defines the wire-level contracts of the transaction pipeline.
//
// This package contains:
//   - Envelope: the JSON unit of work carried on the broker
//   - Payload: the typed business payload inside an envelope, one kind per routing key
//   - Topology names: exchanges, queues and routing keys shared by producers and consumers
//
// Envelopes are immutable per delivery attempt. Retries build a new envelope with
// NextAttempt instead of mutating the delivered one.
package contracts
