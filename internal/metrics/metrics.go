// Package metrics exposes pipeline counters through expvar (served at /debug/vars).
package metrics

import (
	"expvar"

	"github.com/glimte/txflow/internal/transaction"
	"github.com/glimte/txflow/messaging"
)

var (
	Published       = expvar.NewInt("txflow_published_total")
	PublishFailures = expvar.NewInt("txflow_publish_failures_total")
	Processed       = expvar.NewInt("txflow_processed_total")
	Duplicates      = expvar.NewInt("txflow_duplicates_total")
	Retried         = expvar.NewInt("txflow_retried_total")
	Requeued        = expvar.NewInt("txflow_requeued_total")
	DeadLettered    = expvar.NewInt("txflow_dead_lettered_total")
	Malformed       = expvar.NewInt("txflow_malformed_total")
	Reconnects      = expvar.NewInt("txflow_reconnects_total")
	brokerConnected = expvar.NewInt("txflow_broker_connected")

	// outcomes counts settled deliveries per "routingKey/outcome"
	outcomes = expvar.NewMap("txflow_outcomes")
	// settled counts settlement decisions per transaction status
	settled = expvar.NewMap("txflow_settled")
)

// Recorder feeds the package counters. It implements messaging.MetricsRecorder,
// processing.Recorder and rabbitmq.ConnectionStateListener.
type Recorder struct{}

func (Recorder) RecordPublish(_ string, err error) {
	if err != nil {
		PublishFailures.Add(1)
		return
	}
	Published.Add(1)
}

func (Recorder) RecordOutcome(routingKey string, outcome messaging.Outcome) {
	outcomes.Add(routingKey+"/"+string(outcome), 1)

	switch outcome {
	case messaging.OutcomeProcessed:
		Processed.Add(1)
	case messaging.OutcomeRetried:
		Retried.Add(1)
	case messaging.OutcomeRequeued:
		Requeued.Add(1)
	case messaging.OutcomeDeadLettered:
		DeadLettered.Add(1)
	case messaging.OutcomeMalformed:
		Malformed.Add(1)
	}
}

func (Recorder) RecordDuplicate() {
	Duplicates.Add(1)
}

func (Recorder) RecordSettled(status transaction.Status) {
	settled.Add(string(status), 1)
}

func (Recorder) OnConnected() {
	brokerConnected.Set(1)
}

func (Recorder) OnDisconnected(error) {
	brokerConnected.Set(0)
}

func (Recorder) OnReconnecting(int) {
	Reconnects.Add(1)
}

// BrokerConnected reports the last connection state seen
func BrokerConnected() bool {
	return brokerConnected.Value() == 1
}

// Outcome returns the count for one routing key and outcome
func Outcome(routingKey string, outcome messaging.Outcome) int64 {
	if v, ok := outcomes.Get(routingKey + "/" + string(outcome)).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// Settled returns how many transactions were settled with status
func Settled(status transaction.Status) int64 {
	if v, ok := settled.Get(string(status)).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	for _, v := range []*expvar.Int{Published, PublishFailures, Processed, Duplicates, Retried, Requeued, DeadLettered, Malformed, Reconnects, brokerConnected} {
		v.Set(0)
	}
	outcomes.Init()
	settled.Init()
}
