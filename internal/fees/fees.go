package fees

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Operation is the trade side the fee applies to.
type Operation string

const (
	OpBuy  Operation = "buy"
	OpSell Operation = "sell"
)

// DefaultFeeBps applies when no schedule entry covers an
// (operation, currency) pair.
const DefaultFeeBps = 200

// Entry is one configured fee rate.
type Entry struct {
	Operation Operation
	Currency  string
	Bps       int
}

// Schedule maps (operation, currency) to a fee rate in basis points. It is
// immutable after construction; Quote is pure and safe for concurrent use.
type Schedule struct {
	rates map[string]int
}

func NewSchedule(entries []Entry) (*Schedule, error) {
	rates := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.Operation != OpBuy && e.Operation != OpSell {
			return nil, fmt.Errorf("invalid fee operation %q", e.Operation)
		}
		if e.Bps < 0 || e.Bps >= 10000 {
			return nil, fmt.Errorf("fee bps out of range: %d", e.Bps)
		}
		rates[scheduleKey(e.Operation, e.Currency)] = e.Bps
	}
	return &Schedule{rates: rates}, nil
}

// FeeBps returns the configured rate, or DefaultFeeBps without a match.
func (s *Schedule) FeeBps(op Operation, currency string) int {
	if s == nil {
		return DefaultFeeBps
	}
	if bps, ok := s.rates[scheduleKey(op, currency)]; ok {
		return bps
	}
	return DefaultFeeBps
}

// Quote computes the fee on amount, rounded to the currency's two minor
// decimal places, and the net remainder. For any positive amount the net
// is never negative.
func (s *Schedule) Quote(op Operation, currency string, amount decimal.Decimal) (fee, net decimal.Decimal, err error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("amount must be positive")
	}

	rate := decimal.NewFromInt(int64(s.FeeBps(op, currency))).Div(decimal.NewFromInt(10000))
	fee = amount.Mul(rate).Round(2)
	if fee.GreaterThan(amount) {
		fee = amount
	}
	net = amount.Sub(fee)
	return fee, net, nil
}

func scheduleKey(op Operation, currency string) string {
	return string(op) + ":" + strings.ToUpper(strings.TrimSpace(currency))
}
