package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/txflow/internal/transaction"
)

type stubPublisher struct {
	mu            sync.Mutex
	err           error
	correlationID []string
}

func (p *stubPublisher) Publish(_ context.Context, _ string, _ any, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.correlationID = append(p.correlationID, correlationID)
	return p.err
}

func (p *stubPublisher) CorrelationIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.correlationID...)
}

type readiness bool

func (r readiness) IsReady() bool { return bool(r) }

func newTestServer(t *testing.T, publisher *stubPublisher, options ...Option) (*httptest.Server, *transaction.MemoryStore) {
	t.Helper()
	store := transaction.NewMemoryStore()
	var n atomic.Int64
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	service := transaction.NewService(store, publisher,
		transaction.WithIDGenerator(func() string {
			return fmt.Sprintf("T%d", n.Add(1))
		}),
		transaction.WithServiceClock(func() time.Time { return base.Add(time.Duration(n.Load()) * time.Minute) }),
	)

	options = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, options...)
	srv := httptest.NewServer(NewServer(service, options...).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func postTransaction(t *testing.T, srv *httptest.Server, body string, correlationID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/transactions", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set(CorrelationHeader, correlationID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

const validBody = `{"amountCents":1000,"currency":"usd","merchantId":"M1","customerId":"C1"}`

func TestCreateTransaction(t *testing.T) {
	t.Run("stores and publishes with the request correlation id", func(t *testing.T) {
		publisher := &stubPublisher{}
		srv, store := newTestServer(t, publisher)

		resp := postTransaction(t, srv, validBody, "corr-42")

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "corr-42", resp.Header.Get(CorrelationHeader))
		assert.Empty(t, resp.Header.Get(PublishStatusHeader))

		var got transaction.Transaction
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, "T1", got.ID)
		assert.Equal(t, "USD", got.Currency)
		assert.Equal(t, transaction.StatusPending, got.Status)
		assert.Equal(t, []string{"corr-42"}, publisher.CorrelationIDs())

		stored, err := store.FindByID(context.Background(), "T1")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), stored.AmountCents)
	})

	t.Run("generates a correlation id when the header is absent", func(t *testing.T) {
		publisher := &stubPublisher{}
		srv, _ := newTestServer(t, publisher)

		resp := postTransaction(t, srv, validBody, "")

		require.Equal(t, http.StatusCreated, resp.StatusCode)
		generated := resp.Header.Get(CorrelationHeader)
		assert.NotEmpty(t, generated)
		assert.Equal(t, []string{generated}, publisher.CorrelationIDs())
	})

	t.Run("a publish failure answers 503 with the stored record", func(t *testing.T) {
		publisher := &stubPublisher{err: errors.New("broker unavailable")}
		srv, store := newTestServer(t, publisher)

		resp := postTransaction(t, srv, validBody, "corr-1")

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "failed", resp.Header.Get(PublishStatusHeader))

		var got transaction.Transaction
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, "T1", got.ID)

		stored, err := store.FindByID(context.Background(), "T1")
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusPending, stored.Status)
	})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"amountCents":`},
		{"zero amount", `{"amountCents":0,"currency":"USD","merchantId":"M1","customerId":"C1"}`},
		{"bad currency", `{"amountCents":5,"currency":"US","merchantId":"M1","customerId":"C1"}`},
		{"missing merchant", `{"amountCents":5,"currency":"USD","customerId":"C1"}`},
		{"unknown status", `{"amountCents":5,"currency":"USD","merchantId":"M1","customerId":"C1","status":"LOST"}`},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			publisher := &stubPublisher{}
			srv, _ := newTestServer(t, publisher)

			resp := postTransaction(t, srv, tt.body, "")

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, publisher.CorrelationIDs())
		})
	}
}

func TestGetTransaction(t *testing.T) {
	srv, _ := newTestServer(t, &stubPublisher{})
	postTransaction(t, srv, validBody, "")

	resp, err := http.Get(srv.URL + "/api/transactions/T1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got transaction.Transaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "M1", got.MerchantID)

	missing, err := http.Get(srv.URL + "/api/transactions/T404")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListTransactions(t *testing.T) {
	srv, _ := newTestServer(t, &stubPublisher{})
	postTransaction(t, srv, validBody, "")
	postTransaction(t, srv, `{"amountCents":5,"currency":"EUR","merchantId":"M2","customerId":"C1"}`, "")
	postTransaction(t, srv, `{"amountCents":7,"currency":"EUR","merchantId":"M2","customerId":"C2","status":"FAILED"}`, "")

	list := func(t *testing.T, query string) (int, []transaction.Transaction) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/transactions" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var got []transaction.Transaction
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		}
		return resp.StatusCode, got
	}

	ids := func(list []transaction.Transaction) []string {
		out := make([]string, 0, len(list))
		for _, t := range list {
			out = append(out, t.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all newest first", "", []string{"T3", "T2", "T1"}},
		{"by merchant", "?merchantId=M2", []string{"T3", "T2"}},
		{"by customer", "?customerId=C1", []string{"T2", "T1"}},
		{"by status", "?status=failed", []string{"T3"}},
		{"limited", "?limit=1", []string{"T3"}},
		{"no match", "?merchantId=nobody", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, got := list(t, tt.query)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	t.Run("rejects a bad status or limit", func(t *testing.T) {
		code, _ := list(t, "?status=lost")
		assert.Equal(t, http.StatusBadRequest, code)
		code, _ = list(t, "?limit=many")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestOperationalEndpoints(t *testing.T) {
	t.Run("readyz follows the broker readiness", func(t *testing.T) {
		ready, _ := newTestServer(t, &stubPublisher{}, WithReadiness(readiness(true)))
		resp, err := http.Get(ready.URL + "/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		notReady, _ := newTestServer(t, &stubPublisher{}, WithReadiness(readiness(false)))
		resp, err = http.Get(notReady.URL + "/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("healthz delegates to the health handler", func(t *testing.T) {
		health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		srv, _ := newTestServer(t, &stubPublisher{}, WithHealth(health))
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("debug vars serves expvar", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPublisher{})
		resp, err := http.Get(srv.URL + "/debug/vars")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var vars map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&vars))
		assert.Contains(t, vars, "memstats")
	})
}
