package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/txflow/internal/transaction"
)

const transactionColumns = `id, amount_cents, currency, status, merchant_id, customer_id, description, metadata, created_at, updated_at`

// TransactionStore implements transaction.Store
type TransactionStore struct {
	db      *sql.DB
	dialect dialect
}

var _ transaction.Store = (*TransactionStore)(nil)

func (s *TransactionStore) Create(ctx context.Context, t *transaction.Transaction) error {
	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}

	query := s.dialect.rebind(`INSERT INTO transactions (` + transactionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.AmountCents, t.Currency, string(t.Status), t.MerchantID, t.CustomerID,
		nullString(t.Description), metadata, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return transaction.ErrAlreadyExists
		}
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *TransactionStore) FindByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	query := s.dialect.rebind(`SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`)
	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction %s: %w", id, err)
	}
	return t, nil
}

func (s *TransactionStore) UpdateStatus(ctx context.Context, id string, status transaction.Status) (*transaction.Transaction, error) {
	if !status.Valid() {
		return nil, transaction.ErrInvalidStatus
	}

	query := s.dialect.rebind(`UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update transaction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update transaction %s: %w", id, err)
	}
	if n == 0 {
		return nil, transaction.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *TransactionStore) List(ctx context.Context, filter transaction.Filter) ([]*transaction.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.MerchantID != "" {
		where = append(where, "merchant_id = ?")
		args = append(args, filter.MerchantID)
	}
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*transaction.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var (
		t           transaction.Transaction
		status      string
		description sql.NullString
		metadata    sql.NullString
	)
	err := row.Scan(&t.ID, &t.AmountCents, &t.Currency, &status, &t.MerchantID, &t.CustomerID,
		&description, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = transaction.Status(status)
	t.Description = description.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
