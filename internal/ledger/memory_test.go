package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestValidateAmount(t *testing.T) {
	cases := []struct {
		amount string
		ok     bool
	}{
		{"100.00", true},
		{"0.01", true},
		{"1", true},
		{"0", false},
		{"-5", false},
		{"0.001", false},
		{"10.555", false},
	}
	for _, tc := range cases {
		err := ValidateAmount(dec(t, tc.amount))
		if tc.ok && err != nil {
			t.Errorf("ValidateAmount(%s) = %v, want nil", tc.amount, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ValidateAmount(%s) = %v, want ErrInvalidAmount", tc.amount, err)
		}
	}
}

func TestReserveMovesAvailableToReserved(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	if _, err := store.Credit(ctx, user, "EUR", dec(t, "100.00")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	w, err := store.Reserve(ctx, user, "EUR", dec(t, "40.00"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !w.Available.Equal(dec(t, "60.00")) || !w.Reserved.Equal(dec(t, "40.00")) {
		t.Fatalf("got available=%s reserved=%s, want 60.00/40.00", w.Available, w.Reserved)
	}
	if !w.Total().Equal(dec(t, "100.00")) {
		t.Fatalf("total changed by reserve: %s", w.Total())
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	if _, err := store.Credit(ctx, user, "EUR", dec(t, "10.00")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.Reserve(ctx, user, "EUR", dec(t, "10.01")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	w, err := store.Balance(ctx, user, "EUR")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !w.Available.Equal(dec(t, "10.00")) || !w.Reserved.IsZero() {
		t.Fatalf("failed reserve mutated wallet: available=%s reserved=%s", w.Available, w.Reserved)
	}
}

func TestReleaseAndDebitReserved(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	if _, err := store.Credit(ctx, user, "AOA", dec(t, "5000.00")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.Reserve(ctx, user, "AOA", dec(t, "3000.00")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.DebitReserved(ctx, user, "AOA", dec(t, "1000.00")); err != nil {
		t.Fatalf("debit reserved: %v", err)
	}
	w, err := store.Release(ctx, user, "AOA", dec(t, "2000.00"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !w.Available.Equal(dec(t, "4000.00")) || !w.Reserved.IsZero() {
		t.Fatalf("got available=%s reserved=%s, want 4000.00/0", w.Available, w.Reserved)
	}
	if _, err := store.Release(ctx, user, "AOA", dec(t, "0.01")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("release beyond reserved: got %v, want ErrInsufficientFunds", err)
	}
}

func TestDebitNeverGoesNegative(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	if _, err := store.Debit(ctx, user, "EUR", dec(t, "1.00")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("debit empty wallet: got %v, want ErrInsufficientFunds", err)
	}
}

func TestCurrencyIsNormalized(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	if _, err := store.Credit(ctx, user, "eur", dec(t, "25.00")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	w, err := store.Balance(ctx, user, " EUR ")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !w.Available.Equal(dec(t, "25.00")) {
		t.Fatalf("got %s, want 25.00", w.Available)
	}
}

// Two concurrent reserves against a balance that covers only one must end
// with exactly one success and the wallet fully consistent.
func TestConcurrentReserveDoubleSpend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	if _, err := store.Credit(ctx, user, "EUR", dec(t, "100.00")); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Reserve(ctx, user, "EUR", dec(t, "70.00"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, shortfalls int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientFunds):
			shortfalls++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || shortfalls != 1 {
		t.Fatalf("got %d successes and %d shortfalls, want 1 and 1", successes, shortfalls)
	}

	w, err := store.Balance(ctx, user, "EUR")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !w.Available.Equal(dec(t, "30.00")) || !w.Reserved.Equal(dec(t, "70.00")) {
		t.Fatalf("got available=%s reserved=%s, want 30.00/70.00", w.Available, w.Reserved)
	}
}

func TestConcurrentCreditsAllLand(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Credit(ctx, user, "AOA", dec(t, "5.00")); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := store.Balance(ctx, user, "AOA")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !w.Available.Equal(dec(t, "100.00")) {
		t.Fatalf("got %s, want 100.00", w.Available)
	}
}

func TestWithRetryOnlyRetriesConflicts(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := WithRetry(ctx, 3, func() error {
		calls++
		if calls < 3 {
			return ErrConcurrentConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d calls, want 3", calls)
	}

	calls = 0
	err = WithRetry(ctx, 3, func() error {
		calls++
		return ErrInsufficientFunds
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if calls != 1 {
		t.Fatalf("non-conflict error retried %d times", calls)
	}

	calls = 0
	err = WithRetry(ctx, 2, func() error {
		calls++
		return ErrConcurrentConflict
	})
	if !errors.Is(err, ErrConcurrentConflict) {
		t.Fatalf("got %v, want ErrConcurrentConflict after exhaustion", err)
	}
	if calls != 2 {
		t.Fatalf("got %d calls, want 2", calls)
	}
}
