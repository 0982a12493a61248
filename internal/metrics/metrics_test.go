package metrics

import (
	"errors"
	"expvar"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/txflow/internal/processing"
	"github.com/glimte/txflow/internal/rabbitmq"
	"github.com/glimte/txflow/internal/transaction"
	"github.com/glimte/txflow/messaging"
)

var (
	_ messaging.MetricsRecorder        = Recorder{}
	_ processing.Recorder              = Recorder{}
	_ rabbitmq.ConnectionStateListener = Recorder{}
)

func TestRecorder(t *testing.T) {
	ResetForTests()
	t.Cleanup(ResetForTests)
	r := Recorder{}

	r.RecordPublish("transaction.created", nil)
	r.RecordPublish("transaction.created", nil)
	r.RecordPublish("transaction.created", errors.New("nack"))
	assert.Equal(t, int64(2), Published.Value())
	assert.Equal(t, int64(1), PublishFailures.Value())

	r.RecordOutcome("transaction.created", messaging.OutcomeProcessed)
	r.RecordOutcome("transaction.created", messaging.OutcomeRetried)
	r.RecordOutcome("transaction.created", messaging.OutcomeRetried)
	r.RecordOutcome("transaction.created", messaging.OutcomeDeadLettered)
	r.RecordOutcome("transaction.exploded", messaging.OutcomeMalformed)
	r.RecordOutcome("transaction.created", messaging.OutcomeRequeued)
	assert.Equal(t, int64(1), Processed.Value())
	assert.Equal(t, int64(2), Retried.Value())
	assert.Equal(t, int64(1), DeadLettered.Value())
	assert.Equal(t, int64(1), Malformed.Value())
	assert.Equal(t, int64(1), Requeued.Value())
	assert.Equal(t, int64(2), Outcome("transaction.created", messaging.OutcomeRetried))
	assert.Equal(t, int64(1), Outcome("transaction.exploded", messaging.OutcomeMalformed))
	assert.Equal(t, int64(0), Outcome("transaction.exploded", messaging.OutcomeProcessed))

	r.RecordDuplicate()
	r.RecordSettled(transaction.StatusCompleted)
	r.RecordSettled(transaction.StatusCompleted)
	r.RecordSettled(transaction.StatusFailed)
	assert.Equal(t, int64(1), Duplicates.Value())
	assert.Equal(t, int64(2), Settled(transaction.StatusCompleted))
	assert.Equal(t, int64(1), Settled(transaction.StatusFailed))
}

func TestConnectionState(t *testing.T) {
	ResetForTests()
	t.Cleanup(ResetForTests)
	r := Recorder{}

	r.OnConnected()
	assert.True(t, BrokerConnected())
	r.OnDisconnected(errors.New("connection reset"))
	assert.False(t, BrokerConnected())
	r.OnReconnecting(1)
	r.OnReconnecting(2)
	assert.Equal(t, int64(2), Reconnects.Value())
}

func TestPublishedThroughExpvar(t *testing.T) {
	ResetForTests()
	t.Cleanup(ResetForTests)

	Recorder{}.RecordPublish("transaction.created", nil)
	assert.Equal(t, "1", expvar.Get("txflow_published_total").String())
}
