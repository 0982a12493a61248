package idempotency

import (
	"context"
	"sync"
)

// MemoryLedger is an in-process Ledger, used when no database is configured
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (l *MemoryLedger) Exists(ctx context.Context, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[messageID]
	return ok, nil
}

func (l *MemoryLedger) Insert(ctx context.Context, record Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[record.MessageID]; ok {
		return false, nil
	}
	if record.Status == "" {
		record.Status = StatusProcessed
	}
	l.records[record.MessageID] = record
	return true, nil
}

// Get returns the record stored for messageID
func (l *MemoryLedger) Get(messageID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[messageID]
	return r, ok
}

// Len returns the number of records
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
