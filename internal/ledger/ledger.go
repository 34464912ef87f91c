package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount rejects amounts that are not positive or carry more
	// than two decimal places.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientFunds means the precondition balance was below the
	// requested amount at commit time.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConcurrentConflict is an optimistic commit conflict. The whole
	// operation should be retried, never resumed.
	ErrConcurrentConflict = errors.New("concurrent conflict")
)

// Wallet is the balance of one user in one currency. Wallets are created
// lazily on first reference and never destroyed.
type Wallet struct {
	UserID    uuid.UUID
	Currency  string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Total is the derived full balance.
func (w Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Reserved)
}

// Store is the balance ledger. Every mutation is atomic with respect to
// concurrent operations on the same (user, currency) wallet: of two debits
// that would jointly overdraw, exactly one fails with ErrInsufficientFunds.
//
// Reserve moves funds from available to reserved; Release moves them back.
// Debit and Credit act on the available balance. DebitReserved consumes
// funds previously locked by Reserve, which is how settled offers hand the
// sold currency over without it ever becoming spendable again.
type Store interface {
	Balance(ctx context.Context, userID uuid.UUID, currency string) (Wallet, error)
	Reserve(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error)
	Release(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error)
	Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error)
	Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error)
	DebitReserved(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error)
}

// ValidateAmount enforces the monetary domain: strictly positive, at most
// two decimal places.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}

// WithRetry runs fn up to attempts times, retrying only on
// ErrConcurrentConflict. Conflict retries restart the whole operation.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrConcurrentConflict) {
			return err
		}
	}
	return err
}
