package engine

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/paivaedu632/ema-sub000/internal/book"
	"github.com/paivaedu632/ema-sub000/internal/fees"
	"github.com/paivaedu632/ema-sub000/internal/ledger"
	"github.com/paivaedu632/ema-sub000/internal/txrecord"
)

const ledgerRetries = 3

// minPostable is the smallest offer the book accepts; hybrid remainders
// rounding below it are returned to the caller instead of posted.
var minPostable = decimal.New(1, -2)

// Side is the direction of a market order relative to the base currency.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ExecutionStatus reports how a market order concluded.
type ExecutionStatus string

const (
	// StatusFilled: the order matched against resting offers, fully or in
	// part with no remainder posted.
	StatusFilled ExecutionStatus = "filled"
	// StatusHybrid: the order matched in part and the remainder was posted
	// back as a resting offer in the counter currency.
	StatusHybrid ExecutionStatus = "hybrid_executed"
	// StatusFallback: no resting liquidity could serve the order, so it
	// executed in full against the treasury at the reference rate.
	StatusFallback ExecutionStatus = "fallback_executed"
)

// MarketOrder is a request to acquire Amount of one currency of the pair by
// spending the other. Side buy acquires the base currency, side sell the
// quote currency. MaxSlippagePct bounds how far above the best available
// rate any fill, and with it the blended execution rate, may drift.
type MarketOrder struct {
	UserID         uuid.UUID
	Side           Side
	Amount         decimal.Decimal
	MaxSlippagePct decimal.Decimal
	AllowFallback  bool
}

// ExecutionResult is the outcome of a market order. Transactions holds
// every persisted leg; RestingOffer is set only for hybrid executions.
type ExecutionResult struct {
	Status       ExecutionStatus
	ExchangeID   uuid.UUID
	Currency     string
	Requested    decimal.Decimal
	Matched      decimal.Decimal
	AverageRate  decimal.Decimal
	Transactions []txrecord.Transaction
	RestingOffer *book.Offer
}

// ExecuteMarketOrder fills a market order against resting offers in
// price-time priority, settles every fill through the ledger, and records
// the trade legs under one exchange id. When liquidity runs out mid-order
// the remainder is converted and posted as a counter-currency offer; when
// there is no liquidity at all and fallback is allowed, the full amount
// executes against the treasury at the reference rate.
func (e *Engine) ExecuteMarketOrder(ctx context.Context, order MarketOrder) (*ExecutionResult, error) {
	currency, op, err := e.orderCurrency(order.Side)
	if err != nil {
		return nil, err
	}
	counter, _ := e.pair.Counter(currency)
	if err := ledger.ValidateAmount(order.Amount); err != nil {
		return nil, err
	}

	exchangeID := uuid.New()
	logger := e.logger.With("exchange_id", exchangeID.String(), "user", order.UserID.String(), "currency", currency)

	best, ok := e.book.BestRate(currency)
	if !ok {
		if !order.AllowFallback {
			return nil, fmt.Errorf("%w: no resting offers in %s", ErrInsufficientLiquidity, currency)
		}
		return e.executeFallback(ctx, order, exchangeID, currency, counter, op, "no_resting_liquidity", logger)
	}

	maxRate, err := maxRateFor(best, order.MaxSlippagePct)
	if err != nil {
		return nil, err
	}

	result, err := e.match(ctx, currency, order.Amount, maxRate)
	if err != nil {
		return nil, err
	}
	if result.Matched.IsZero() {
		if order.AllowFallback {
			return e.executeFallback(ctx, order, exchangeID, currency, counter, op, "no_matchable_liquidity", logger)
		}
		return nil, fmt.Errorf("%w: no offers within rate %s", ErrInsufficientLiquidity, maxRate.StringFixed(2))
	}

	execution, err := e.settleFills(ctx, order, exchangeID, currency, counter, op, result, logger)
	if err != nil {
		return nil, err
	}

	if !result.FullyMatched {
		e.postRemainder(ctx, order, execution, currency, counter, logger)
	}

	e.metrics.ObserveOrderExecuted(string(execution.Status))
	logger.Info("market order executed",
		"status", string(execution.Status),
		"requested", execution.Requested.String(),
		"matched", execution.Matched.String(),
		"average_rate", execution.AverageRate.String(),
	)
	return execution, nil
}

func (e *Engine) orderCurrency(side Side) (string, fees.Operation, error) {
	switch side {
	case SideBuy:
		return e.pair.Base, fees.OpBuy, nil
	case SideSell:
		return e.pair.Quote, fees.OpSell, nil
	default:
		return "", "", fmt.Errorf("unknown order side %q", side)
	}
}

// settleFills moves funds for every fill of a match and records the legs.
// The buyer's total spend is reserved up front so a balance shortfall
// surfaces before any seller is paid; any later ledger failure unwinds the
// applied movements, reinstates the consumed offers and writes a failed
// transaction record.
func (e *Engine) settleFills(ctx context.Context, order MarketOrder, exchangeID uuid.UUID, currency, counter string, op fees.Operation, result *book.MatchResult, logger *slog.Logger) (*ExecutionResult, error) {
	spends := make([]decimal.Decimal, len(result.Fills))
	totalSpend := decimal.Zero
	for i, fill := range result.Fills {
		spends[i] = fill.Quantity.Mul(fill.Rate).Round(2)
		totalSpend = totalSpend.Add(spends[i])
	}

	if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
		_, err := e.ledger.Reserve(ctx, order.UserID, counter, totalSpend)
		return err
	}); err != nil {
		if reErr := e.book.Reinstate(ctx, result.Fills); reErr != nil {
			logger.Error("reinstate offers after reserve failure", "error", reErr)
		}
		e.recordFailure(ctx, order, exchangeID, currency, result, fmt.Errorf("reserve buyer funds: %w", err))
		return nil, fmt.Errorf("reserve buyer funds: %w", err)
	}

	var undo undoStack
	fail := func(stage string, cause error) (*ExecutionResult, error) {
		undo.run(ctx, logger)
		if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
			_, err := e.ledger.Release(ctx, order.UserID, counter, totalSpend)
			return err
		}); err != nil {
			logger.Error("release buyer reservation after settlement failure", "error", err)
		}
		if err := e.book.Reinstate(ctx, result.Fills); err != nil {
			logger.Error("reinstate offers after settlement failure", "error", err)
		}
		e.recordFailure(ctx, order, exchangeID, currency, result, fmt.Errorf("%s: %w", stage, cause))
		return nil, fmt.Errorf("%s: %w", stage, cause)
	}

	// Pay each seller and consume their reserved offer quantity.
	for i, fill := range result.Fills {
		fill := fill
		spend := spends[i]

		if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
			_, err := e.ledger.Credit(ctx, fill.SellerID, counter, spend)
			return err
		}); err != nil {
			return fail("credit seller", err)
		}
		undo.push(func(ctx context.Context) error {
			_, err := e.ledger.Debit(ctx, fill.SellerID, counter, spend)
			return err
		})

		if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
			_, err := e.ledger.DebitReserved(ctx, fill.SellerID, currency, fill.Quantity)
			return err
		}); err != nil {
			return fail("consume seller reservation", err)
		}
		undo.push(func(ctx context.Context) error {
			if _, err := e.ledger.Credit(ctx, fill.SellerID, currency, fill.Quantity); err != nil {
				return err
			}
			_, err := e.ledger.Reserve(ctx, fill.SellerID, currency, fill.Quantity)
			return err
		})
	}

	// Consume the buyer's reservation and deliver the acquired amount net
	// of the buyer-side fee.
	if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
		_, err := e.ledger.DebitReserved(ctx, order.UserID, counter, totalSpend)
		return err
	}); err != nil {
		return fail("consume buyer reservation", err)
	}
	undo.push(func(ctx context.Context) error {
		if _, err := e.ledger.Credit(ctx, order.UserID, counter, totalSpend); err != nil {
			return err
		}
		_, err := e.ledger.Reserve(ctx, order.UserID, counter, totalSpend)
		return err
	})

	fee, net, err := e.fees.Quote(op, currency, result.Matched)
	if err != nil {
		return fail("quote fee", err)
	}

	if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
		_, err := e.ledger.Credit(ctx, order.UserID, currency, net)
		return err
	}); err != nil {
		return fail("credit buyer", err)
	}
	undo.push(func(ctx context.Context) error {
		_, err := e.ledger.Debit(ctx, order.UserID, currency, net)
		return err
	})

	if fee.IsPositive() {
		if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
			_, err := e.ledger.Credit(ctx, e.feeAccount, currency, fee)
			return err
		}); err != nil {
			return fail("credit fee account", err)
		}
	}

	buyer := txrecord.Transaction{
		Owner:     order.UserID,
		Type:      txrecord.TypeBuy,
		Amount:    result.Matched,
		Currency:  currency,
		FeeAmount: fee,
		NetAmount: net,
		Rate:      result.AverageRate,
	}
	sellers := make([]txrecord.Transaction, 0, len(result.Fills))
	for i, fill := range result.Fills {
		sellers = append(sellers, txrecord.Transaction{
			Owner:     fill.SellerID,
			Type:      txrecord.TypeSell,
			Amount:    fill.Quantity,
			Currency:  currency,
			FeeAmount: decimal.Zero,
			NetAmount: spends[i],
			Rate:      fill.Rate,
			Metadata:  txrecord.Metadata{OfferID: fill.OfferID},
		})
	}

	legs, err := e.recorder.RecordMatchedTrade(ctx, exchangeID, buyer, sellers...)
	if err != nil {
		// Funds have settled; the audit trail is degraded but the trade
		// stands. Do not unwind ledger movements.
		logger.Error("record matched trade", "error", err)
	}

	e.metrics.ObserveTradeSettled(currency, len(result.Fills))

	status := StatusFilled
	if !result.FullyMatched {
		status = StatusHybrid
	}
	return &ExecutionResult{
		Status:       status,
		ExchangeID:   exchangeID,
		Currency:     currency,
		Requested:    result.Requested,
		Matched:      result.Matched,
		AverageRate:  result.AverageRate,
		Transactions: legs,
	}, nil
}

// postRemainder converts the unfilled portion of a partially matched order
// into resting liquidity on the opposite side of the book: the buyer's
// unspent counter-currency budget is offered for sale at the inverse of the
// prevailing rate. A posting failure degrades the result to a plain partial
// fill rather than failing the already-settled portion.
func (e *Engine) postRemainder(ctx context.Context, order MarketOrder, execution *ExecutionResult, currency, counter string, logger *slog.Logger) {
	remainder := execution.Requested.Sub(execution.Matched)
	if !remainder.IsPositive() {
		execution.Status = StatusFilled
		return
	}

	rate := execution.AverageRate
	if e.reference != nil {
		if ref, err := e.reference.Rate(ctx, currency); err == nil {
			rate = ref
		} else {
			logger.Warn("reference rate unavailable, using execution average", "error", err)
		}
	}

	postAmount := remainder.Mul(rate).Round(2)
	if postAmount.LessThan(minPostable) {
		execution.Status = StatusFilled
		return
	}
	inverse := decimal.NewFromInt(1).DivRound(rate, 8)

	offer, err := e.book.Post(ctx, order.UserID, counter, postAmount, inverse)
	if err != nil {
		logger.Warn("post remainder offer", "error", err, "amount", postAmount.String(), "currency", counter)
		execution.Status = StatusFilled
		return
	}

	e.metrics.ObserveOfferPosted(counter)
	execution.Status = StatusHybrid
	execution.RestingOffer = &offer
	logger.Info("remainder posted as offer",
		"offer_id", offer.ID.String(),
		"amount", postAmount.String(),
		"currency", counter,
		"rate", inverse.String(),
	)
}

// executeFallback fills the whole order against the treasury at the
// reference rate. The treasury must hold the acquired currency; if it does
// not, the order fails with insufficient liquidity.
func (e *Engine) executeFallback(ctx context.Context, order MarketOrder, exchangeID uuid.UUID, currency, counter string, op fees.Operation, reason string, logger *slog.Logger) (*ExecutionResult, error) {
	if e.treasury == uuid.Nil || e.reference == nil {
		return nil, fmt.Errorf("%w: fallback execution unavailable", ErrInsufficientLiquidity)
	}
	rate, err := e.reference.Rate(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: reference rate: %v", ErrInsufficientLiquidity, err)
	}
	spend := order.Amount.Mul(rate).Round(2)

	var undo undoStack
	fail := func(stage string, cause error) (*ExecutionResult, error) {
		undo.run(ctx, logger)
		e.recordFailure(ctx, order, exchangeID, currency, nil, fmt.Errorf("%s: %w", stage, cause))
		return nil, fmt.Errorf("%s: %w", stage, cause)
	}

	if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
		_, err := e.ledger.Debit(ctx, order.UserID, counter, spend)
		return err
	}); err != nil {
		return nil, fmt.Errorf("debit buyer: %w", err)
	}
	undo.push(func(ctx context.Context) error {
		_, err := e.ledger.Credit(ctx, order.UserID, counter, spend)
		return err
	})

	if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
		_, err := e.ledger.Debit(ctx, e.treasury, currency, order.Amount)
		return err
	}); err != nil {
		undo.run(ctx, logger)
		cause := fmt.Errorf("%w: treasury cannot cover %s %s", ErrInsufficientLiquidity, order.Amount.StringFixed(2), currency)
		e.recordFailure(ctx, order, exchangeID, currency, nil, cause)
		return nil, cause
	}
	undo.push(func(ctx context.Context) error {
		_, err := e.ledger.Credit(ctx, e.treasury, currency, order.Amount)
		return err
	})

	if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
		_, err := e.ledger.Credit(ctx, e.treasury, counter, spend)
		return err
	}); err != nil {
		return fail("credit treasury", err)
	}
	undo.push(func(ctx context.Context) error {
		_, err := e.ledger.Debit(ctx, e.treasury, counter, spend)
		return err
	})

	fee, net, err := e.fees.Quote(op, currency, order.Amount)
	if err != nil {
		return fail("quote fee", err)
	}

	if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
		_, err := e.ledger.Credit(ctx, order.UserID, currency, net)
		return err
	}); err != nil {
		return fail("credit buyer", err)
	}

	if fee.IsPositive() {
		if err := ledger.WithRetry(ctx, ledgerRetries, func() error {
			_, err := e.ledger.Credit(ctx, e.feeAccount, currency, fee)
			return err
		}); err != nil {
			logger.Error("credit fee account", "error", err)
		}
	}

	txn := txrecord.Transaction{
		Owner:     order.UserID,
		Type:      txrecord.TypeBuy,
		Amount:    order.Amount,
		Currency:  currency,
		FeeAmount: fee,
		NetAmount: net,
		Rate:      rate,
		Metadata:  txrecord.Metadata{ExchangeID: exchangeID},
	}
	recorded, err := e.recorder.RecordFallbackTrade(ctx, txn, reason)
	if err != nil {
		logger.Error("record fallback trade", "error", err)
	}

	e.metrics.ObserveOrderExecuted(string(StatusFallback))
	logger.Info("fallback order executed",
		"reason", reason,
		"amount", order.Amount.String(),
		"rate", rate.String(),
	)
	return &ExecutionResult{
		Status:       StatusFallback,
		ExchangeID:   exchangeID,
		Currency:     currency,
		Requested:    order.Amount,
		Matched:      order.Amount,
		AverageRate:  rate,
		Transactions: []txrecord.Transaction{recorded},
	}, nil
}

// recordFailure writes the failed audit record for a trade that began
// execution. Recording is best effort; the ledger rollback has already run.
func (e *Engine) recordFailure(ctx context.Context, order MarketOrder, exchangeID uuid.UUID, currency string, result *book.MatchResult, cause error) {
	txn := txrecord.Transaction{
		Owner:    order.UserID,
		Type:     txrecord.TypeBuy,
		Amount:   order.Amount,
		Currency: currency,
		Metadata: txrecord.Metadata{ExchangeID: exchangeID},
	}
	if result != nil {
		txn.Amount = result.Matched
		txn.Rate = result.AverageRate
		txn.Metadata.OrderMatching = true
	}
	if _, err := e.recorder.RecordFailedTrade(ctx, txn, cause); err != nil {
		e.logger.Error("record failed trade", "exchange_id", exchangeID.String(), "error", err)
	}
}

// undoStack collects compensating ledger movements, run in reverse when a
// later settlement step fails.
type undoStack struct {
	steps []func(context.Context) error
}

func (u *undoStack) push(step func(context.Context) error) {
	u.steps = append(u.steps, step)
}

func (u *undoStack) run(ctx context.Context, logger *slog.Logger) {
	for i := len(u.steps) - 1; i >= 0; i-- {
		step := u.steps[i]
		if err := ledger.WithRetry(ctx, ledgerRetries, func() error { return step(ctx) }); err != nil {
			logger.Error("settlement rollback step", "step", i, "error", err)
		}
	}
	u.steps = nil
}
