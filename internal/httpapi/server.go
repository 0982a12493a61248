// Package httpapi is the HTTP intake surface: it creates and reads transactions and
// exposes health, readiness and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/glimte/txflow/internal/transaction"
)

// PublishStatusHeader is set to "failed" when a transaction was stored but its
// creation event could not be published
const PublishStatusHeader = "X-Publish-Status"

// TransactionService is the intake service the API serves
type TransactionService interface {
	Create(ctx context.Context, in transaction.CreateInput, correlationID string) (*transaction.Transaction, error)
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	List(ctx context.Context, filter transaction.Filter) ([]*transaction.Transaction, error)
}

// Readiness reports whether the broker connection is usable
type Readiness interface {
	IsReady() bool
}

// Server routes the API
type Server struct {
	service   TransactionService
	health    http.Handler
	readiness Readiness
	logger    *slog.Logger
}

// Option configures the Server
type Option func(*Server)

// WithLogger sets the logger used for access and error logs
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth mounts h on /healthz
func WithHealth(h http.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithReadiness serves /readyz from r
func WithReadiness(r Readiness) Option {
	return func(s *Server) {
		s.readiness = r
	}
}

// NewServer creates the API server
func NewServer(service TransactionService, options ...Option) *Server {
	s := &Server{
		service: service,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Handler returns the routed http.Handler
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Correlation)
	r.Use(AccessLog(s.logger))

	r.Route("/api/transactions", func(r chi.Router) {
		r.Post("/", s.createTransaction)
		r.Get("/", s.listTransactions)
		r.Get("/{id}", s.getTransaction)
	})

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/debug/vars", expvar.Handler())

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var in transaction.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	t, err := s.service.Create(r.Context(), in, CorrelationIDFromContext(r.Context()))
	var unpublished *transaction.UnpublishedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, t)
	case errors.As(err, &unpublished):
		w.Header().Set(PublishStatusHeader, "failed")
		writeJSON(w, http.StatusServiceUnavailable, unpublished.Transaction)
	default:
		s.httpError(w, r, err)
	}
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := transaction.Filter{
		MerchantID: q.Get("merchantId"),
		CustomerID: q.Get("customerId"),
	}
	if v := q.Get("status"); v != "" {
		status, err := transaction.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	list, err := s.service.List(r.Context(), filter)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if list == nil {
		list = []*transaction.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	s.health.ServeHTTP(w, r)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil && !s.readiness.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) httpError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transaction.ErrInvalidInput), errors.Is(err, transaction.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transaction.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"correlationId", CorrelationIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
