package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is the in-process ledger substrate. Each wallet has its own
// mutex so operations on distinct wallets never contend; readers only see
// committed states.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[walletKey]*walletEntry
	now     func() time.Time
}

type walletKey struct {
	userID   uuid.UUID
	currency string
}

type walletEntry struct {
	mu     sync.Mutex
	wallet Wallet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[walletKey]*walletEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) entry(userID uuid.UUID, currency string) *walletEntry {
	key := walletKey{userID: userID, currency: normalizeCurrency(currency)}

	s.mu.RLock()
	e, ok := s.wallets[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.wallets[key]; ok {
		return e
	}
	e = &walletEntry{wallet: Wallet{
		UserID:    userID,
		Currency:  key.currency,
		Available: decimal.Zero,
		Reserved:  decimal.Zero,
		UpdatedAt: s.now(),
	}}
	s.wallets[key] = e
	return e
}

func (s *MemoryStore) Balance(ctx context.Context, userID uuid.UUID, currency string) (Wallet, error) {
	e := s.entry(userID, currency)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallet, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Available.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Available = w.Available.Sub(amt)
		w.Reserved = w.Reserved.Add(amt)
		return nil
	})
}

func (s *MemoryStore) Release(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Reserved.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Reserved = w.Reserved.Sub(amt)
		w.Available = w.Available.Add(amt)
		return nil
	})
}

func (s *MemoryStore) Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Available.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Available = w.Available.Sub(amt)
		return nil
	})
}

func (s *MemoryStore) Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		w.Available = w.Available.Add(amt)
		return nil
	})
}

func (s *MemoryStore) DebitReserved(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Reserved.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Reserved = w.Reserved.Sub(amt)
		return nil
	})
}

func (s *MemoryStore) apply(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, mutate func(*Wallet, decimal.Decimal) error) (Wallet, error) {
	if err := ctx.Err(); err != nil {
		return Wallet{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return Wallet{}, err
	}

	e := s.entry(userID, currency)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := mutate(&e.wallet, amount); err != nil {
		return Wallet{}, err
	}
	e.wallet.UpdatedAt = s.now()
	return e.wallet, nil
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
