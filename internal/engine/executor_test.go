package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/paivaedu632/ema-sub000/internal/book"
	"github.com/paivaedu632/ema-sub000/internal/fees"
	"github.com/paivaedu632/ema-sub000/internal/ledger"
	"github.com/paivaedu632/ema-sub000/internal/rates"
	"github.com/paivaedu632/ema-sub000/internal/txrecord"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

type fixture struct {
	engine     *Engine
	ledger     ledger.Store
	book       *book.Book
	txns       *txrecord.MemoryStore
	feeAccount uuid.UUID
	treasury   uuid.UUID
}

func newFixture(t *testing.T, reference rates.StaticSource) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	offerBook := book.New(store)
	txStore := txrecord.NewMemoryStore()
	schedule, err := fees.NewSchedule(nil)
	if err != nil {
		t.Fatalf("fee schedule: %v", err)
	}
	pair, err := NewPair("EUR", "AOA")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}

	feeAccount := uuid.New()
	treasury := uuid.New()
	eng, err := New(Config{
		Pair:         pair,
		Ledger:       store,
		Book:         offerBook,
		Fees:         schedule,
		Validator:    rates.NewValidator(offerBook, 0),
		Reference:    reference,
		Recorder:     txrecord.NewRecorder(txStore, nil, "", nil),
		Transactions: txStore,
		FeeAccount:   feeAccount,
		Treasury:     treasury,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return &fixture{
		engine:     eng,
		ledger:     store,
		book:       offerBook,
		txns:       txStore,
		feeAccount: feeAccount,
		treasury:   treasury,
	}
}

func (f *fixture) fund(t *testing.T, user uuid.UUID, currency, amount string) {
	t.Helper()
	if _, err := f.ledger.Credit(context.Background(), user, currency, dec(t, amount)); err != nil {
		t.Fatalf("fund %s %s: %v", amount, currency, err)
	}
}

func (f *fixture) balance(t *testing.T, user uuid.UUID, currency string) ledger.Wallet {
	t.Helper()
	w, err := f.ledger.Balance(context.Background(), user, currency)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return w
}

func (f *fixture) postOffer(t *testing.T, seller uuid.UUID, amount, rate string) book.Offer {
	t.Helper()
	offer, err := f.engine.PlaceLimitOffer(context.Background(), seller, "EUR", dec(t, amount), dec(t, rate))
	if err != nil {
		t.Fatalf("post offer: %v", err)
	}
	return offer
}

func TestExecuteMarketOrderFullFill(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s1, s2, buyer := uuid.New(), uuid.New(), uuid.New()

	f.fund(t, s1, "EUR", "5.00")
	f.fund(t, s2, "EUR", "10.00")
	f.fund(t, buyer, "AOA", "100.00")
	f.postOffer(t, s1, "5.00", "10")
	f.postOffer(t, s2, "10.00", "12")

	result, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID:         buyer,
		Side:           SideBuy,
		Amount:         dec(t, "8.00"),
		MaxSlippagePct: dec(t, "20"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != StatusFilled {
		t.Fatalf("status = %s, want filled", result.Status)
	}
	if !result.Matched.Equal(dec(t, "8.00")) {
		t.Fatalf("matched %s, want 8.00", result.Matched)
	}
	if !result.AverageRate.Equal(dec(t, "10.75")) {
		t.Fatalf("average rate = %s, want 10.75", result.AverageRate)
	}

	// Spend is 5*10 + 3*12 = 86; the 2% fee on 8.00 EUR is 0.16.
	buyerAOA := f.balance(t, buyer, "AOA")
	if !buyerAOA.Available.Equal(dec(t, "14.00")) || !buyerAOA.Reserved.IsZero() {
		t.Fatalf("buyer AOA = %s/%s, want 14.00/0", buyerAOA.Available, buyerAOA.Reserved)
	}
	buyerEUR := f.balance(t, buyer, "EUR")
	if !buyerEUR.Available.Equal(dec(t, "7.84")) {
		t.Fatalf("buyer EUR = %s, want 7.84", buyerEUR.Available)
	}
	feeEUR := f.balance(t, f.feeAccount, "EUR")
	if !feeEUR.Available.Equal(dec(t, "0.16")) {
		t.Fatalf("fee wallet = %s, want 0.16", feeEUR.Available)
	}

	s1AOA := f.balance(t, s1, "AOA")
	if !s1AOA.Available.Equal(dec(t, "50.00")) {
		t.Fatalf("first seller AOA = %s, want 50.00", s1AOA.Available)
	}
	s1EUR := f.balance(t, s1, "EUR")
	if !s1EUR.Reserved.IsZero() || !s1EUR.Available.IsZero() {
		t.Fatalf("first seller EUR = %s/%s, want fully consumed", s1EUR.Available, s1EUR.Reserved)
	}
	s2AOA := f.balance(t, s2, "AOA")
	if !s2AOA.Available.Equal(dec(t, "36.00")) {
		t.Fatalf("second seller AOA = %s, want 36.00", s2AOA.Available)
	}
	s2EUR := f.balance(t, s2, "EUR")
	if !s2EUR.Reserved.Equal(dec(t, "7.00")) {
		t.Fatalf("second seller reserved EUR = %s, want 7.00", s2EUR.Reserved)
	}

	legs, err := f.txns.ListByExchange(ctx, result.ExchangeID)
	if err != nil {
		t.Fatalf("list by exchange: %v", err)
	}
	if len(legs) != 3 {
		t.Fatalf("got %d legs, want buyer plus two sellers", len(legs))
	}
	for _, leg := range legs {
		if !leg.Metadata.OrderMatching {
			t.Errorf("leg %s not flagged as order matching", leg.ID)
		}
		if leg.Status != txrecord.StatusCompleted {
			t.Errorf("leg %s status = %s", leg.ID, leg.Status)
		}
	}
}

func TestExecuteMarketOrderHybridRemainder(t *testing.T) {
	reference := rates.StaticSource{"EUR": dec(t, "10")}
	f := newFixture(t, reference)
	ctx := context.Background()
	seller, buyer := uuid.New(), uuid.New()

	f.fund(t, seller, "EUR", "8.00")
	f.fund(t, buyer, "AOA", "500.00")
	f.postOffer(t, seller, "8.00", "10")

	result, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID:         buyer,
		Side:           SideBuy,
		Amount:         dec(t, "20.00"),
		MaxSlippagePct: dec(t, "10"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != StatusHybrid {
		t.Fatalf("status = %s, want hybrid_executed", result.Status)
	}
	if !result.Matched.Equal(dec(t, "8.00")) {
		t.Fatalf("matched %s, want 8.00", result.Matched)
	}
	if result.RestingOffer == nil {
		t.Fatal("no resting offer for the remainder")
	}

	// Remainder of 12 EUR converts to 120 AOA at the reference rate and
	// rests as an AOA offer priced at the inverse rate.
	offer := result.RestingOffer
	if offer.Currency != "AOA" {
		t.Fatalf("remainder offer currency = %s, want AOA", offer.Currency)
	}
	if !offer.Remaining.Equal(dec(t, "120.00")) {
		t.Fatalf("remainder offer amount = %s, want 120.00", offer.Remaining)
	}
	if !offer.Rate.Equal(dec(t, "0.1")) {
		t.Fatalf("remainder offer rate = %s, want 0.1", offer.Rate)
	}
	if offer.Owner != buyer {
		t.Fatal("remainder offer not owned by the buyer")
	}

	// Buyer spent 80 on the fill and has 120 reserved under the offer.
	buyerAOA := f.balance(t, buyer, "AOA")
	if !buyerAOA.Available.Equal(dec(t, "300.00")) || !buyerAOA.Reserved.Equal(dec(t, "120.00")) {
		t.Fatalf("buyer AOA = %s/%s, want 300.00/120.00", buyerAOA.Available, buyerAOA.Reserved)
	}
}

func TestExecuteMarketOrderSkipsOffersAboveTolerance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cheap, expensive, buyer := uuid.New(), uuid.New(), uuid.New()

	f.fund(t, cheap, "EUR", "8.00")
	f.fund(t, expensive, "EUR", "50.00")
	f.fund(t, buyer, "AOA", "500.00")
	if _, err := f.book.Post(ctx, cheap, "EUR", dec(t, "8.00"), dec(t, "10")); err != nil {
		t.Fatalf("post cheap offer: %v", err)
	}
	priced, err := f.book.Post(ctx, expensive, "EUR", dec(t, "50.00"), dec(t, "100"))
	if err != nil {
		t.Fatalf("post expensive offer: %v", err)
	}

	// 10% over the best rate of 10 caps the walk at 11: the order fills the
	// 8 units resting at 10 and leaves the 100-rate liquidity untouched
	// instead of swallowing it and rejecting everything.
	result, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID:         buyer,
		Side:           SideBuy,
		Amount:         dec(t, "20.00"),
		MaxSlippagePct: dec(t, "10"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != StatusHybrid {
		t.Fatalf("status = %s, want hybrid_executed", result.Status)
	}
	if !result.Matched.Equal(dec(t, "8.00")) {
		t.Fatalf("matched %s, want 8.00", result.Matched)
	}
	if !result.AverageRate.Equal(dec(t, "10")) {
		t.Fatalf("average rate = %s, want 10", result.AverageRate)
	}
	if result.RestingOffer == nil {
		t.Fatal("no resting offer for the remainder")
	}
	if !result.RestingOffer.Remaining.Equal(dec(t, "120.00")) || result.RestingOffer.Currency != "AOA" {
		t.Fatalf("remainder offer = %s %s, want 120.00 AOA",
			result.RestingOffer.Remaining, result.RestingOffer.Currency)
	}

	got, err := f.book.Get(priced.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if !got.Remaining.Equal(dec(t, "50.00")) || got.Status != book.StatusActive {
		t.Fatalf("out-of-band offer touched: %s %s", got.Remaining, got.Status)
	}
	expensiveEUR := f.balance(t, expensive, "EUR")
	if !expensiveEUR.Reserved.Equal(dec(t, "50.00")) {
		t.Fatalf("out-of-band seller reservation = %s, want 50.00", expensiveEUR.Reserved)
	}

	// Buyer spent 80 on the fill and has 120 reserved under the offer.
	buyerAOA := f.balance(t, buyer, "AOA")
	if !buyerAOA.Available.Equal(dec(t, "300.00")) || !buyerAOA.Reserved.Equal(dec(t, "120.00")) {
		t.Fatalf("buyer AOA = %s/%s, want 300.00/120.00", buyerAOA.Available, buyerAOA.Reserved)
	}
}

func TestExecuteMarketOrderFallbackAgainstTreasury(t *testing.T) {
	reference := rates.StaticSource{"EUR": dec(t, "11.50")}
	f := newFixture(t, reference)
	ctx := context.Background()
	buyer := uuid.New()

	f.fund(t, buyer, "AOA", "300.00")
	f.fund(t, f.treasury, "EUR", "50.00")

	result, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID:        buyer,
		Side:          SideBuy,
		Amount:        dec(t, "20.00"),
		AllowFallback: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != StatusFallback {
		t.Fatalf("status = %s, want fallback_executed", result.Status)
	}
	if !result.AverageRate.Equal(dec(t, "11.50")) {
		t.Fatalf("rate = %s, want the reference rate", result.AverageRate)
	}

	// Spend is 20 * 11.50 = 230; fee is 2% of 20 EUR.
	buyerAOA := f.balance(t, buyer, "AOA")
	if !buyerAOA.Available.Equal(dec(t, "70.00")) {
		t.Fatalf("buyer AOA = %s, want 70.00", buyerAOA.Available)
	}
	buyerEUR := f.balance(t, buyer, "EUR")
	if !buyerEUR.Available.Equal(dec(t, "19.60")) {
		t.Fatalf("buyer EUR = %s, want 19.60", buyerEUR.Available)
	}
	treasuryEUR := f.balance(t, f.treasury, "EUR")
	if !treasuryEUR.Available.Equal(dec(t, "30.00")) {
		t.Fatalf("treasury EUR = %s, want 30.00", treasuryEUR.Available)
	}
	treasuryAOA := f.balance(t, f.treasury, "AOA")
	if !treasuryAOA.Available.Equal(dec(t, "230.00")) {
		t.Fatalf("treasury AOA = %s, want 230.00", treasuryAOA.Available)
	}

	txns, err := f.engine.Transactions(ctx, buyer, 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txns))
	}
	if txns[0].Metadata.OrderMatching {
		t.Fatal("fallback trade flagged as order matching")
	}
	if txns[0].Metadata.FallbackReason == "" {
		t.Fatal("fallback reason missing")
	}
}

func TestExecuteMarketOrderFallbackNeedsFundedTreasury(t *testing.T) {
	reference := rates.StaticSource{"EUR": dec(t, "11.50")}
	f := newFixture(t, reference)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "AOA", "300.00")

	_, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID:        buyer,
		Side:          SideBuy,
		Amount:        dec(t, "20.00"),
		AllowFallback: true,
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}

	// The buyer debit was rolled back.
	buyerAOA := f.balance(t, buyer, "AOA")
	if !buyerAOA.Available.Equal(dec(t, "300.00")) {
		t.Fatalf("buyer AOA = %s, want 300.00", buyerAOA.Available)
	}

	// The trade had begun executing, so it leaves a failed audit record.
	txns, err := f.engine.Transactions(ctx, buyer, 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1 failed record", len(txns))
	}
	if txns[0].Status != txrecord.StatusFailed {
		t.Fatalf("status = %s, want failed", txns[0].Status)
	}
	if len(txns[0].Metadata.Errors) == 0 {
		t.Fatal("failed record carries no error annotation")
	}
}

func TestExecuteMarketOrderNoLiquidityNoFallback(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.ExecuteMarketOrder(context.Background(), MarketOrder{
		UserID: uuid.New(),
		Side:   SideBuy,
		Amount: dec(t, "5.00"),
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}
}

func TestExecuteMarketOrderBuyerCannotAfford(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seller, buyer := uuid.New(), uuid.New()

	f.fund(t, seller, "EUR", "10.00")
	f.fund(t, buyer, "AOA", "50.00")
	offer := f.postOffer(t, seller, "10.00", "10")

	_, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID:         buyer,
		Side:           SideBuy,
		Amount:         dec(t, "10.00"),
		MaxSlippagePct: dec(t, "10"),
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	// The consumed quantity went back to the offer.
	got, err := f.book.Get(offer.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if !got.Remaining.Equal(dec(t, "10.00")) || got.Status != book.StatusActive {
		t.Fatalf("offer not reinstated: %s %s", got.Remaining, got.Status)
	}
	sellerEUR := f.balance(t, seller, "EUR")
	if !sellerEUR.Reserved.Equal(dec(t, "10.00")) {
		t.Fatalf("seller reservation = %s, want 10.00", sellerEUR.Reserved)
	}
}

func TestExecuteMarketOrderSellSide(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seller, buyer := uuid.New(), uuid.New()

	// An AOA offer priced in EUR per unit: selling 1000 AOA at 0.1 EUR.
	f.fund(t, seller, "AOA", "1000.00")
	f.fund(t, buyer, "EUR", "100.00")
	if _, err := f.engine.PlaceLimitOffer(ctx, seller, "AOA", dec(t, "1000.00"), dec(t, "0.1")); err != nil {
		t.Fatalf("post offer: %v", err)
	}

	result, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID:         buyer,
		Side:           SideSell,
		Amount:         dec(t, "500.00"),
		MaxSlippagePct: dec(t, "5"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Currency != "AOA" {
		t.Fatalf("currency = %s, want AOA", result.Currency)
	}
	if !result.Matched.Equal(dec(t, "500.00")) {
		t.Fatalf("matched %s, want 500.00", result.Matched)
	}

	// 500 AOA cost 50 EUR; 2% fee on the acquired 500 AOA.
	buyerEUR := f.balance(t, buyer, "EUR")
	if !buyerEUR.Available.Equal(dec(t, "50.00")) {
		t.Fatalf("buyer EUR = %s, want 50.00", buyerEUR.Available)
	}
	buyerAOA := f.balance(t, buyer, "AOA")
	if !buyerAOA.Available.Equal(dec(t, "490.00")) {
		t.Fatalf("buyer AOA = %s, want 490.00", buyerAOA.Available)
	}
	feeAOA := f.balance(t, f.feeAccount, "AOA")
	if !feeAOA.Available.Equal(dec(t, "10.00")) {
		t.Fatalf("fee wallet AOA = %s, want 10.00", feeAOA.Available)
	}
}

func TestExecuteMarketOrderRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID: uuid.New(),
		Side:   Side("short"),
		Amount: dec(t, "5.00"),
	}); err == nil {
		t.Fatal("unknown side accepted")
	}

	if _, err := f.engine.ExecuteMarketOrder(ctx, MarketOrder{
		UserID: uuid.New(),
		Side:   SideBuy,
		Amount: dec(t, "-5.00"),
	}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}
}

func TestPlaceLimitOfferValidatesRate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seller := uuid.New()
	f.fund(t, seller, "EUR", "100.00")

	// Anchor the market band with three offers around 1200.
	for i := 0; i < 3; i++ {
		f.postOffer(t, seller, "10.00", "1200")
	}

	if _, err := f.engine.PlaceLimitOffer(ctx, seller, "EUR", dec(t, "10.00"), dec(t, "1450")); !errors.Is(err, rates.ErrInvalidRate) {
		t.Fatalf("got %v, want ErrInvalidRate for 1450 against a 1200 mean", err)
	}
	if _, err := f.engine.PlaceLimitOffer(ctx, seller, "EUR", dec(t, "10.00"), dec(t, "1150")); err != nil {
		t.Fatalf("1150 against a 1200 mean rejected: %v", err)
	}
}

func TestPlaceLimitOfferUnsupportedCurrency(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.PlaceLimitOffer(context.Background(), uuid.New(), "USD", dec(t, "10.00"), dec(t, "1.0"))
	if !errors.Is(err, ErrUnsupportedCurrency) {
		t.Fatalf("got %v, want ErrUnsupportedCurrency", err)
	}
}

func TestCancelOfferThroughEngine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seller := uuid.New()
	f.fund(t, seller, "EUR", "50.00")
	offer := f.postOffer(t, seller, "50.00", "1200")

	cancelled, err := f.engine.CancelOffer(ctx, seller, offer.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != book.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	w := f.balance(t, seller, "EUR")
	if !w.Available.Equal(dec(t, "50.00")) || !w.Reserved.IsZero() {
		t.Fatalf("funds not released: %s/%s", w.Available, w.Reserved)
	}
}
