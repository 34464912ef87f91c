package kafka

import (
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("exchange.trade.executed", 1, "corr-1")
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if env.EventID == "" || env.Timestamp.IsZero() {
		t.Fatalf("envelope incomplete: %+v", env)
	}
}

func TestNewEnvelopeRejectsMissingFields(t *testing.T) {
	if _, err := NewEnvelope("", 1, ""); err == nil {
		t.Fatal("empty event type accepted")
	}
	if _, err := NewEnvelope("x", 0, ""); err == nil {
		t.Fatal("zero version accepted")
	}
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID("exchange.trade.executed", "abc")
	b := DeterministicEventID("exchange.trade.executed", "abc")
	c := DeterministicEventID("exchange.trade.executed", "def")
	if a != b {
		t.Fatalf("same parts produced %s and %s", a, b)
	}
	if a == c {
		t.Fatal("different parts produced the same id")
	}
}
