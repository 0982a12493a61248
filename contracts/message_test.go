package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 30, 0, 123456789, time.UTC)

	t.Run("NewEnvelope starts at attempt zero", func(t *testing.T) {
		env, err := NewEnvelope(map[string]string{"id": "T1"}, "c1", now)
		require.NoError(t, err)

		assert.JSONEq(t, `{"id":"T1"}`, string(env.Data))
		assert.Equal(t, "c1", env.CorrelationID)
		assert.Equal(t, "2026-10-19T12:30:00.123Z", env.Timestamp)
		assert.Equal(t, 0, env.RetryCount)
	})

	t.Run("NewEnvelope generates a correlation id when empty", func(t *testing.T) {
		env, err := NewEnvelope(map[string]string{"id": "T1"}, "", now)
		require.NoError(t, err)

		_, err = uuid.Parse(env.CorrelationID)
		assert.NoError(t, err)
	})

	t.Run("NewEnvelope fails for unserializable data", func(t *testing.T) {
		_, err := NewEnvelope(make(chan int), "c1", now)
		assert.Error(t, err)
	})

	t.Run("NextAttempt increments by one and leaves the original intact", func(t *testing.T) {
		env, err := NewEnvelope(map[string]string{"id": "T1"}, "c1", now)
		require.NoError(t, err)

		later := now.Add(5 * time.Second)
		next := env.NextAttempt(later)

		assert.Equal(t, 1, next.RetryCount)
		assert.Equal(t, "2026-10-19T12:30:05.123Z", next.Timestamp)
		assert.Equal(t, "c1", next.CorrelationID)
		assert.JSONEq(t, string(env.Data), string(next.Data))

		assert.Equal(t, 0, env.RetryCount)
		assert.Equal(t, "2026-10-19T12:30:00.123Z", env.Timestamp)

		next.Data[0] = ' '
		assert.JSONEq(t, `{"id":"T1"}`, string(env.Data))
	})

	t.Run("ResetAttempts clears the retry count", func(t *testing.T) {
		env := Envelope{Data: json.RawMessage(`{"id":"T1"}`), CorrelationID: "c1", RetryCount: 3}
		reset := env.ResetAttempts(now)

		assert.Equal(t, 0, reset.RetryCount)
		assert.Equal(t, 3, env.RetryCount)
	})

	t.Run("Marshal produces the wire contract", func(t *testing.T) {
		env := Envelope{
			Data:          json.RawMessage(`{"id":"T1"}`),
			CorrelationID: "c1",
			Timestamp:     "2026-10-19T12:30:00.000Z",
			RetryCount:    2,
		}
		body, err := env.Marshal()
		require.NoError(t, err)

		assert.JSONEq(t, `{"data":{"id":"T1"},"correlationId":"c1","timestamp":"2026-10-19T12:30:00.000Z","retryCount":2}`, string(body))
	})
}

func TestParseEnvelope(t *testing.T) {
	t.Run("parses a valid body", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"data":{"id":"T1"},"correlationId":"c1","timestamp":"2026-10-19T12:30:00.000Z","retryCount":2}`))
		require.NoError(t, err)

		assert.Equal(t, "c1", env.CorrelationID)
		assert.Equal(t, 2, env.RetryCount)
		assert.JSONEq(t, `{"id":"T1"}`, string(env.Data))
	})

	t.Run("missing retryCount reads as zero", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"data":{"id":"T1"},"correlationId":"c1"}`))
		require.NoError(t, err)
		assert.Equal(t, 0, env.RetryCount)
	})

	cases := map[string]string{
		"non-JSON body":    `not json`,
		"missing data":     `{"correlationId":"c1"}`,
		"null data":        `{"data":null}`,
		"negative retries": `{"data":{"id":"T1"},"retryCount":-1}`,
		"bad timestamp":    `{"data":{"id":"T1"},"timestamp":"yesterday"}`,
		"trailing garbage": `{"data":{"id":"T1"}} {}`,
		"wrong retry type": `{"data":{"id":"T1"},"retryCount":"two"}`,
		"array instead":    `[1,2,3]`,
	}
	for name, body := range cases {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)

			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, "envelope", decodeErr.Stage)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	t.Run("decodes transaction.created", func(t *testing.T) {
		payload, err := DecodePayload(RoutingKeyTransactionCreated, json.RawMessage(`{"id":"T1","amountCents":1050,"currency":"USD"}`))
		require.NoError(t, err)

		created, ok := payload.(*TransactionCreated)
		require.True(t, ok)
		assert.Equal(t, "T1", created.ID)
		assert.Equal(t, "T1", created.BusinessID())
		assert.Equal(t, int64(1050), created.AmountCents)
		assert.Equal(t, RoutingKeyTransactionCreated, created.Kind())
	})

	t.Run("unknown routing key is malformed", func(t *testing.T) {
		_, err := DecodePayload("transaction.exploded", json.RawMessage(`{"id":"T1"}`))
		assert.ErrorIs(t, err, ErrUnknownKind)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("missing id is invalid", func(t *testing.T) {
		_, err := DecodePayload(RoutingKeyTransactionCreated, json.RawMessage(`{"amountCents":10}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("wrong field type is malformed", func(t *testing.T) {
		_, err := DecodePayload(RoutingKeyTransactionCreated, json.RawMessage(`{"id":42}`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
		assert.False(t, errors.Is(err, ErrInvalidPayload))
	})

	t.Run("RegisterKind adds a new kind", func(t *testing.T) {
		RegisterKind("test.kind", func() Payload { return &TransactionCreated{} })
		_, err := DecodePayload("test.kind", json.RawMessage(`{"id":"X"}`))
		assert.NoError(t, err)
	})
}
