package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/paivaedu632/ema-sub000/internal/ledger"
	"github.com/paivaedu632/ema-sub000/internal/testutil"
)

const walletsSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id    UUID NOT NULL,
	currency   TEXT NOT NULL,
	available  NUMERIC(20,2) NOT NULL DEFAULT 0,
	reserved   NUMERIC(20,2) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, currency)
)`

func setupWallets(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := pool.Exec(ctx, walletsSchema); err != nil {
		t.Fatalf("create wallets table: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `TRUNCATE wallets`)
	})
	return pool
}

func TestPostgresReserveDebitCycle(t *testing.T) {
	pool := setupWallets(t)
	store := ledger.NewPostgresStore(pool)
	ctx := context.Background()
	user := uuid.New()

	credit := decimal.RequireFromString("250.00")
	if _, err := store.Credit(ctx, user, "EUR", credit); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.Reserve(ctx, user, "EUR", decimal.RequireFromString("100.00")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	w, err := store.DebitReserved(ctx, user, "EUR", decimal.RequireFromString("100.00"))
	if err != nil {
		t.Fatalf("debit reserved: %v", err)
	}
	if !w.Available.Equal(decimal.RequireFromString("150.00")) || !w.Reserved.IsZero() {
		t.Fatalf("got available=%s reserved=%s, want 150.00/0", w.Available, w.Reserved)
	}
}

func TestPostgresInsufficientFunds(t *testing.T) {
	pool := setupWallets(t)
	store := ledger.NewPostgresStore(pool)
	ctx := context.Background()
	user := uuid.New()

	if _, err := store.Debit(ctx, user, "AOA", decimal.RequireFromString("1.00")); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestPostgresLazyWalletCreation(t *testing.T) {
	pool := setupWallets(t)
	store := ledger.NewPostgresStore(pool)
	ctx := context.Background()
	user := uuid.New()

	w, err := store.Balance(ctx, user, "EUR")
	if err != nil {
		t.Fatalf("balance on fresh user: %v", err)
	}
	if !w.Available.IsZero() || !w.Reserved.IsZero() {
		t.Fatalf("fresh wallet not empty: %+v", w)
	}
}
