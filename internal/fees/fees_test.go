package fees

import (
	"testing"

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

func TestQuoteDefaultRate(t *testing.T) {
	s, err := NewSchedule(nil)
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}

	fee, net, err := s.Quote(OpBuy, "EUR", dec(t, "100.00"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !fee.Equal(dec(t, "2.00")) {
		t.Fatalf("fee = %s, want 2.00", fee)
	}
	if !net.Equal(dec(t, "98.00")) {
		t.Fatalf("net = %s, want 98.00", net)
	}
	if !fee.Add(net).Equal(dec(t, "100.00")) {
		t.Fatalf("fee+net = %s, want the gross amount", fee.Add(net))
	}
}

func TestQuoteScheduleOverride(t *testing.T) {
	s, err := NewSchedule([]Entry{
		{Operation: OpBuy, Currency: "EUR", Bps: 150},
		{Operation: OpSell, Currency: "AOA", Bps: 0},
	})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}

	fee, _, err := s.Quote(OpBuy, "EUR", dec(t, "200.00"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !fee.Equal(dec(t, "3.00")) {
		t.Fatalf("fee = %s, want 3.00", fee)
	}

	fee, net, err := s.Quote(OpSell, "AOA", dec(t, "1000.00"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !fee.IsZero() || !net.Equal(dec(t, "1000.00")) {
		t.Fatalf("zero-bps entry produced fee=%s net=%s", fee, net)
	}

	// Unlisted combination falls back to the default rate.
	fee, _, err = s.Quote(OpSell, "EUR", dec(t, "100.00"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !fee.Equal(dec(t, "2.00")) {
		t.Fatalf("fallback fee = %s, want 2.00", fee)
	}
}

func TestQuoteRoundsToCents(t *testing.T) {
	s, err := NewSchedule(nil)
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}

	fee, net, err := s.Quote(OpBuy, "EUR", dec(t, "0.33"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if fee.Exponent() < -2 || net.Exponent() < -2 {
		t.Fatalf("fee=%s net=%s exceed two decimal places", fee, net)
	}
	if !fee.Add(net).Equal(dec(t, "0.33")) {
		t.Fatalf("fee+net = %s, want 0.33", fee.Add(net))
	}
}

func TestQuoteFeeNeverExceedsAmount(t *testing.T) {
	s, err := NewSchedule([]Entry{{Operation: OpBuy, Currency: "EUR", Bps: 9999}})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}

	fee, net, err := s.Quote(OpBuy, "EUR", dec(t, "0.01"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if fee.GreaterThan(dec(t, "0.01")) {
		t.Fatalf("fee %s exceeds amount", fee)
	}
	if net.IsNegative() {
		t.Fatalf("net went negative: %s", net)
	}
}

func TestNewScheduleRejectsBadBps(t *testing.T) {
	if _, err := NewSchedule([]Entry{{Operation: OpBuy, Currency: "EUR", Bps: -1}}); err == nil {
		t.Fatal("negative bps accepted")
	}
	if _, err := NewSchedule([]Entry{{Operation: OpBuy, Currency: "EUR", Bps: 10000}}); err == nil {
		t.Fatal("bps of 100% accepted")
	}
}

func TestQuoteRejectsInvalidAmount(t *testing.T) {
	s, err := NewSchedule(nil)
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	if _, _, err := s.Quote(OpBuy, "EUR", dec(t, "-10")); err == nil {
		t.Fatal("negative amount accepted")
	}
}
