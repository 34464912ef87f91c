package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRate rejects rates that are not positive or fall outside the
// accepted market band.
var ErrInvalidRate = errors.New("invalid rate")

var (
	bandLow  = decimal.NewFromFloat(0.8)
	bandHigh = decimal.NewFromFloat(1.2)
)

// RecentRates is satisfied by the offer book: the rates of active offers
// for a currency created at or after the given time.
type RecentRates interface {
	ActiveRates(currency string, since time.Time) []decimal.Decimal
}

// Validator accepts a proposed exchange rate when it sits within ±20% of
// the mean rate of active offers posted in the lookback window. With no
// recent offers to anchor on, any positive rate passes; the external
// reference-rate check is layered on by the caller before a fallback trade.
type Validator struct {
	recent RecentRates
	window time.Duration
	now    func() time.Time
}

func NewValidator(recent RecentRates, window time.Duration) *Validator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Validator{
		recent: recent,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (v *Validator) Validate(currency string, rate decimal.Decimal) error {
	if rate.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidRate
	}
	if v == nil || v.recent == nil {
		return nil
	}

	observed := v.recent.ActiveRates(currency, v.now().Add(-v.window))
	if len(observed) == 0 {
		return nil
	}

	sum := decimal.Zero
	for _, r := range observed {
		sum = sum.Add(r)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(observed))))

	if rate.LessThan(mean.Mul(bandLow)) || rate.GreaterThan(mean.Mul(bandHigh)) {
		return fmt.Errorf("%w: %s outside band around %s", ErrInvalidRate, rate.String(), mean.String())
	}
	return nil
}

// Source provides the external reference rate for a currency, quoted in the
// counter currency per unit.
type Source interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// StaticSource is a fixed reference-rate table, fed from configuration.
type StaticSource map[string]decimal.Decimal

func (s StaticSource) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	rate, ok := s[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok || rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("no reference rate for %s", currency)
	}
	return rate, nil
}
