package txflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/txflow/contracts"
	"github.com/glimte/txflow/health"
	"github.com/glimte/txflow/internal/config"
	"github.com/glimte/txflow/internal/httpapi"
	"github.com/glimte/txflow/internal/metrics"
	"github.com/glimte/txflow/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/txflow/internal/transaction"
	"github.com/glimte/txflow/messaging"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *rabbitmqtest.Broker) {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	p, err := New(context.Background(), cfg, WithDialer(broker.Dial), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		cancel()
		p.Wait()
		_ = p.Close()
	})
	return p, broker
}

// route delivers a publication to the processing queue the way the broker would
func route(t *testing.T, ch *rabbitmqtest.Channel, pub rabbitmqtest.Publication) rabbitmqtest.Settlement {
	t.Helper()
	ch.Deliver(amqp.Delivery{
		Exchange:      pub.Exchange,
		RoutingKey:    pub.RoutingKey,
		Body:          pub.Msg.Body,
		CorrelationId: pub.Msg.CorrelationId,
		MessageId:     pub.Msg.MessageId,
	})
	select {
	case s := <-ch.Ack.Settled():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not settled")
	}
	return rabbitmqtest.Settlement{}
}

func nextPublication(t *testing.T, ch *rabbitmqtest.Channel) rabbitmqtest.Publication {
	t.Helper()
	select {
	case pub := <-ch.PublishedCh():
		return pub
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was published")
	}
	return rabbitmqtest.Publication{}
}

func TestPipelineEndToEnd(t *testing.T) {
	drivers := map[string]func() *config.Config{
		"memory": config.Default,
		"sqlite": func() *config.Config {
			cfg := config.Default()
			cfg.Database.Driver = config.DriverSQLite
			cfg.Database.DSN = "file::memory:?cache=shared"
			return cfg
		},
	}

	for name, newConfig := range drivers {
		t.Run(name, func(t *testing.T) {
			metrics.ResetForTests()
			p, broker := startPipeline(t, newConfig())
			srv := httptest.NewServer(p.HTTPServer().Handler())
			defer srv.Close()

			req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/transactions",
				bytes.NewBufferString(`{"amountCents":2500,"currency":"EUR","merchantId":"M1","customerId":"C1"}`))
			require.NoError(t, err)
			req.Header.Set(httpapi.CorrelationHeader, "corr-e2e")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusCreated, resp.StatusCode)

			var created transaction.Transaction
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
			assert.Equal(t, transaction.StatusPending, created.Status)

			ch := broker.Channel()
			pub := nextPublication(t, ch)
			assert.Equal(t, contracts.ExchangeTransactions, pub.Exchange)
			assert.Equal(t, "corr-e2e", pub.Msg.CorrelationId)

			assert.True(t, route(t, ch, pub).Acked)
			// a redelivery of the same work is acked without another settlement
			assert.True(t, route(t, ch, pub).Acked)

			got, err := p.Transactions().Get(context.Background(), created.ID)
			require.NoError(t, err)
			assert.Equal(t, transaction.StatusCompleted, got.Status)

			assert.Equal(t, int64(2), metrics.Outcome(contracts.RoutingKeyTransactionCreated, messaging.OutcomeProcessed))
			assert.Equal(t, int64(1), metrics.Duplicates.Value())
			assert.Equal(t, int64(1), metrics.Settled(transaction.StatusCompleted))
		})
	}
}

func TestPipelineRepublish(t *testing.T) {
	p, broker := startPipeline(t, config.Default())
	ctx := context.Background()

	t.Run("a stored transaction is republished with its details", func(t *testing.T) {
		tx, err := p.Transactions().Create(ctx, transaction.CreateInput{
			AmountCents: 10, Currency: "USD", MerchantID: "M1", CustomerID: "C1",
		}, "first")
		require.NoError(t, err)
		nextPublication(t, broker.Channel())

		require.NoError(t, p.Republish(ctx, tx.ID, "again"))
		pub := nextPublication(t, broker.Channel())

		env, err := contracts.ParseEnvelope(pub.Msg.Body)
		require.NoError(t, err)
		assert.Equal(t, "again", env.CorrelationID)
		assert.JSONEq(t, `{"id":"`+tx.ID+`","amountCents":10,"currency":"USD","merchantId":"M1","customerId":"C1"}`, string(env.Data))
	})

	t.Run("an unknown id is sent on its own", func(t *testing.T) {
		require.NoError(t, p.Republish(ctx, "T-unknown", "c"))
		pub := nextPublication(t, broker.Channel())

		env, err := contracts.ParseEnvelope(pub.Msg.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"T-unknown"}`, string(env.Data))
	})
}

func TestPipelineLifecycle(t *testing.T) {
	t.Run("an unreachable broker fails Start", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DialErr = rabbitmqtest.ErrDialRefused
		p, err := New(context.Background(), config.Default(), WithDialer(broker.Dial), WithLogger(quietLogger()))
		require.NoError(t, err)
		defer p.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Error(t, p.Start(ctx))
		assert.False(t, p.IsReady())
	})

	t.Run("an invalid configuration is rejected", func(t *testing.T) {
		cfg := config.Default()
		cfg.RabbitMQ.URL = ""
		_, err := New(context.Background(), cfg)
		assert.Error(t, err)
	})

	t.Run("the topology is declared on connect and reported healthy", func(t *testing.T) {
		p, broker := startPipeline(t, config.Default())

		ch := broker.Channel()
		for _, q := range p.Topology().Queues {
			assert.Contains(t, ch.Queues, q.Name)
		}
		assert.Equal(t, config.Default().RabbitMQ.Prefetch, ch.Prefetch)

		overall := p.Health().Check(context.Background())
		assert.Equal(t, health.StatusHealthy, overall.Status)
		assert.True(t, metrics.BrokerConnected())
	})
}
