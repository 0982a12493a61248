package transaction

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultListLimit applies when Filter.Limit is zero
	DefaultListLimit = 100
	// MaxListLimit caps Filter.Limit
	MaxListLimit = 1000
)

// Filter selects transactions for List. Empty fields match everything.
type Filter struct {
	MerchantID string
	CustomerID string
	Status     Status
	Limit      int
}

// EffectiveLimit returns the limit List applies
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(t *Transaction) bool {
	if f.MerchantID != "" && t.MerchantID != f.MerchantID {
		return false
	}
	if f.CustomerID != "" && t.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// Store persists transactions. FindByID and UpdateStatus return ErrNotFound for an
// unknown id; List returns newest first.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	FindByID(ctx context.Context, id string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Transaction, error)
	List(ctx context.Context, filter Filter) ([]*Transaction, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Transaction
	now  func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*Transaction),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; ok {
		return ErrAlreadyExists
	}
	s.byID[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = s.now().UTC()
	return t.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Transaction, 0)
	for _, t := range s.byID {
		if filter.matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
