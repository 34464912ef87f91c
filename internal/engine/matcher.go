package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/paivaedu632/ema-sub000/internal/book"
)

var hundred = decimal.NewFromInt(100)

// maxRateFor converts a percentage slippage tolerance around the best
// available rate into an absolute rate ceiling.
func maxRateFor(best, slippagePct decimal.Decimal) (decimal.Decimal, error) {
	if slippagePct.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("slippage tolerance must not be negative")
	}
	factor := decimal.NewFromInt(1).Add(slippagePct.Div(hundred))
	return best.Mul(factor), nil
}

// match runs price-time matching against resting offers in currency. The
// slippage bound caps both the walk and the blended average: offers resting
// above the ceiling are left untouched rather than consumed, and a plan
// whose average exceeds it is rejected before anything is consumed.
func (e *Engine) match(ctx context.Context, currency string, amount, maxRate decimal.Decimal) (*book.MatchResult, error) {
	start := time.Now()
	result, err := e.book.Match(ctx, currency, amount, book.MatchOptions{
		MaxRate:        &maxRate,
		MaxAverageRate: &maxRate,
	})
	e.metrics.ObserveMatchingLatency(currency, time.Since(start))
	if err != nil {
		if errors.Is(err, book.ErrRateLimited) {
			return nil, fmt.Errorf("%w: %v", ErrSlippageExceeded, err)
		}
		return nil, err
	}
	return result, nil
}
