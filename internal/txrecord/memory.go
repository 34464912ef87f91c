package txrecord

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps transactions in process. Append-only apart from the
// failed-state transition, matching the persistence contract.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Transaction
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[uuid.UUID]*Transaction),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Insert(ctx context.Context, txn *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.now()
	}
	txn.UpdatedAt = txn.CreatedAt

	stored := *txn
	s.byID[txn.ID] = &stored
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	txn.Status = StatusFailed
	txn.Metadata.Errors = append(txn.Metadata.Errors, cause)
	txn.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *txn, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner uuid.UUID, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, txn := range s.byID {
		if txn.Owner == owner {
			out = append(out, *txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByExchange(ctx context.Context, exchangeID uuid.UUID) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, txn := range s.byID {
		if txn.Metadata.ExchangeID == exchangeID {
			out = append(out, *txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
