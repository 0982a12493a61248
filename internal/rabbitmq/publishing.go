package rabbitmq

import (
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/txflow/contracts"
)

// HeaderTimestampMillis carries the publish time in epoch milliseconds
const HeaderTimestampMillis = "x-timestamp-ms"

// EnvelopePublishing builds the persistent JSON publishing for env
func EnvelopePublishing(env contracts.Envelope, now time.Time) (amqp.Publishing, error) {
	body, err := env.Marshal()
	if err != nil {
		return amqp.Publishing{}, err
	}

	return amqp.Publishing{
		Headers: amqp.Table{
			HeaderTimestampMillis: now.UnixMilli(),
		},
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		MessageId:     uuid.NewString(),
		Timestamp:     now,
		Body:          body,
	}, nil
}
