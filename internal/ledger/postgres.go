package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore backs the ledger with a wallets table:
//
//	wallets(id uuid pk, user_id uuid, currency text, available numeric,
//	        reserved numeric, updated_at timestamptz,
//	        unique (user_id, currency))
//
// Mutations are optimistic: the row is read without a lock and the update is
// conditioned on the observed updated_at. A lost race surfaces as
// ErrConcurrentConflict and the caller retries the whole operation.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Balance(ctx context.Context, userID uuid.UUID, currency string) (Wallet, error) {
	w, err := s.getWallet(ctx, userID, normalizeCurrency(currency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{
				UserID:    userID,
				Currency:  normalizeCurrency(currency),
				Available: decimal.Zero,
				Reserved:  decimal.Zero,
			}, nil
		}
		return Wallet{}, err
	}
	return w.Wallet, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Available.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Available = w.Available.Sub(amt)
		w.Reserved = w.Reserved.Add(amt)
		return nil
	})
}

func (s *PostgresStore) Release(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Reserved.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Reserved = w.Reserved.Sub(amt)
		w.Available = w.Available.Add(amt)
		return nil
	})
}

func (s *PostgresStore) Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Available.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Available = w.Available.Sub(amt)
		return nil
	})
}

func (s *PostgresStore) Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		w.Available = w.Available.Add(amt)
		return nil
	})
}

func (s *PostgresStore) DebitReserved(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Wallet, error) {
	return s.apply(ctx, userID, currency, amount, func(w *Wallet, amt decimal.Decimal) error {
		if w.Reserved.LessThan(amt) {
			return ErrInsufficientFunds
		}
		w.Reserved = w.Reserved.Sub(amt)
		return nil
	})
}

type storedWallet struct {
	Wallet
	ID uuid.UUID
}

func (s *PostgresStore) apply(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, mutate func(*Wallet, decimal.Decimal) error) (Wallet, error) {
	if err := ValidateAmount(amount); err != nil {
		return Wallet{}, err
	}
	currency = normalizeCurrency(currency)

	stored, err := s.getOrCreateWallet(ctx, userID, currency)
	if err != nil {
		return Wallet{}, err
	}

	if err := mutate(&stored.Wallet, amount); err != nil {
		return Wallet{}, err
	}

	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE wallets
		SET available = $1, reserved = $2, updated_at = $3
		WHERE id = $4 AND updated_at = $5
	`, stored.Available.String(), stored.Reserved.String(), now, stored.ID, stored.UpdatedAt)
	if err != nil {
		return Wallet{}, err
	}
	if tag.RowsAffected() == 0 {
		return Wallet{}, ErrConcurrentConflict
	}

	stored.UpdatedAt = now
	return stored.Wallet, nil
}

func (s *PostgresStore) getOrCreateWallet(ctx context.Context, userID uuid.UUID, currency string) (*storedWallet, error) {
	stored, err := s.getWallet(ctx, userID, currency)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency, available, reserved, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, uuid.New(), userID, currency, s.now())
	if err != nil {
		return nil, err
	}

	return s.getWallet(ctx, userID, currency)
}

func (s *PostgresStore) getWallet(ctx context.Context, userID uuid.UUID, currency string) (*storedWallet, error) {
	var stored storedWallet
	var availableStr, reservedStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, currency, available::text, reserved::text, updated_at
		FROM wallets
		WHERE user_id = $1 AND currency = $2
	`, userID, currency)
	if err := row.Scan(&stored.ID, &stored.UserID, &stored.Currency, &availableStr, &reservedStr, &stored.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	stored.Available, err = decimal.NewFromString(availableStr)
	if err != nil {
		return nil, fmt.Errorf("parse available balance: %w", err)
	}
	stored.Reserved, err = decimal.NewFromString(reservedStr)
	if err != nil {
		return nil, fmt.Errorf("parse reserved balance: %w", err)
	}
	return &stored, nil
}
