// Package rabbitmq provides the broker plumbing for the transaction pipeline.
//
// This package includes:
//   - ConnectionManager: owns the single connection and channel, reconnects at a
//     fixed interval and exposes a readiness gate
//   - Session: the ready channel, with serialized publisher confirms
//   - Topology: the exchange, queue and binding graph, declared on every
//     channel (re)establishment
//   - Consumer: prefetch-bounded delivery dispatch, re-registered after reconnect
//
// Nothing outside this package talks to amqp091-go connections directly. Setup
// hooks registered with AddSetup run, in order, each time a channel is opened.
package rabbitmq
