package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/glimte/txflow/internal/idempotency"
)

// Ledger implements idempotency.Ledger on the processed_messages table. The primary
// key on message_id makes Insert atomic: a conflicting insert affects no rows.
type Ledger struct {
	db      *sql.DB
	dialect dialect
}

var _ idempotency.Ledger = (*Ledger)(nil)

func (l *Ledger) Exists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, l.dialect.rebind(`SELECT 1 FROM processed_messages WHERE message_id = ?`), messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed message: %w", err)
	}
	return true, nil
}

func (l *Ledger) Insert(ctx context.Context, record idempotency.Record) (bool, error) {
	status := record.Status
	if status == "" {
		status = idempotency.StatusProcessed
	}
	payload := string(record.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := l.dialect.rebind(`INSERT INTO processed_messages (message_id, correlation_id, payload, status, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`)
	res, err := l.db.ExecContext(ctx, query, record.MessageID, record.CorrelationID, payload, status, record.ProcessedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert processed message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert processed message: %w", err)
	}
	return n == 1, nil
}

// Get returns the stored record for messageID
func (l *Ledger) Get(ctx context.Context, messageID string) (idempotency.Record, error) {
	var (
		r       idempotency.Record
		payload string
	)
	query := l.dialect.rebind(`SELECT message_id, correlation_id, payload, status, processed_at FROM processed_messages WHERE message_id = ?`)
	err := l.db.QueryRowContext(ctx, query, messageID).Scan(&r.MessageID, &r.CorrelationID, &payload, &r.Status, &r.ProcessedAt)
	if err != nil {
		return idempotency.Record{}, err
	}
	r.Payload = []byte(payload)
	r.ProcessedAt = r.ProcessedAt.UTC()
	return r, nil
}
