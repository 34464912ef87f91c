package book

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/paivaedu632/ema-sub000/internal/ledger"
)

var (
	ErrNotFound        = errors.New("offer not found")
	ErrNotOwner        = errors.New("offer not owned by caller")
	ErrAlreadyTerminal = errors.New("offer no longer active")
)

// Status is the offer lifecycle state. Transitions: active -> completed
// (fully consumed) or active -> cancelled (withdrawn). Terminal states
// never change again.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Offer is a resting commitment to sell Remaining units of Currency at
// Rate (quoted in the counter currency per unit). The sold amount is held
// in the owner's reserved balance for the offer's whole lifetime.
type Offer struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	Currency  string
	Remaining decimal.Decimal
	Rate      decimal.Decimal
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fill is one offer consumption within a match.
type Fill struct {
	OfferID  uuid.UUID
	SellerID uuid.UUID
	Quantity decimal.Decimal
	Rate     decimal.Decimal
}

// MatchResult describes one committed matching pass. It is ephemeral:
// consumed by the executor and the transaction recorder, never stored.
type MatchResult struct {
	Requested    decimal.Decimal
	Matched      decimal.Decimal
	AverageRate  decimal.Decimal
	Fills        []Fill
	FullyMatched bool
}

// MatchOptions bound a matching pass. MaxRate stops the walk at the first
// level above it. MaxAverageRate rejects the whole pass, before anything is
// consumed, if the blended rate of the plan would exceed it.
type MatchOptions struct {
	MaxRate        *decimal.Decimal
	MaxAverageRate *decimal.Decimal
}

// ErrRateLimited means the planned blended rate exceeded
// MatchOptions.MaxAverageRate; nothing was consumed.
var ErrRateLimited = errors.New("blended rate above limit")

// Book holds the resting sell offers, one side per currency. Posting
// reserves the sold amount in the ledger; cancellation and consumption
// release or consume that reservation exactly once.
type Book struct {
	ledger ledger.Store
	now    func() time.Time

	mu    sync.RWMutex
	sides map[string]*side
}

func New(ledgerStore ledger.Store) *Book {
	return &Book{
		ledger: ledgerStore,
		now:    func() time.Time { return time.Now().UTC() },
		sides:  make(map[string]*side),
	}
}

func (b *Book) side(currency string) *side {
	currency = normalizeCurrency(currency)

	b.mu.RLock()
	s, ok := b.sides[currency]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.sides[currency]; ok {
		return s
	}
	s = newSide()
	b.sides[currency] = s
	return s
}

// Post reserves amount from the owner's available balance and inserts an
// active offer. The reservation retry is bounded; a persistent conflict
// surfaces to the caller with nothing reserved.
func (b *Book) Post(ctx context.Context, owner uuid.UUID, currency string, amount, rate decimal.Decimal) (Offer, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return Offer{}, err
	}

	err := ledger.WithRetry(ctx, 3, func() error {
		_, e := b.ledger.Reserve(ctx, owner, currency, amount)
		return e
	})
	if err != nil {
		return Offer{}, err
	}

	now := b.now()
	offer := &Offer{
		ID:        uuid.New(),
		Owner:     owner,
		Currency:  normalizeCurrency(currency),
		Remaining: amount,
		Rate:      rate,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s := b.side(currency)
	s.mu.Lock()
	s.insert(offer)
	s.mu.Unlock()

	return *offer, nil
}

// Cancel withdraws an active offer and releases its unconsumed remainder to
// the owner exactly once. Cancelling a terminal offer fails without
// touching balances.
func (b *Book) Cancel(ctx context.Context, offerID, owner uuid.UUID) (Offer, error) {
	s, ref := b.findRef(offerID)
	if ref == nil {
		return Offer{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offer := ref.offer
	if offer.Owner != owner {
		return Offer{}, ErrNotOwner
	}
	if offer.Status != StatusActive {
		return Offer{}, ErrAlreadyTerminal
	}

	remaining := offer.Remaining
	if remaining.GreaterThan(decimal.Zero) {
		err := ledger.WithRetry(ctx, 3, func() error {
			_, e := b.ledger.Release(ctx, offer.Owner, offer.Currency, remaining)
			return e
		})
		if err != nil {
			return Offer{}, err
		}
	}

	offer.Status = StatusCancelled
	offer.Remaining = decimal.Zero
	offer.UpdatedAt = b.now()
	s.unlink(ref)

	return *offer, nil
}

// Get returns a snapshot of one offer.
func (b *Book) Get(offerID uuid.UUID) (Offer, error) {
	s, ref := b.findRef(offerID)
	if ref == nil {
		return Offer{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *ref.offer, nil
}

// OffersByOwner returns snapshots of all offers posted by owner, newest
// first.
func (b *Book) OffersByOwner(owner uuid.UUID) []Offer {
	b.mu.RLock()
	sides := make([]*side, 0, len(b.sides))
	for _, s := range b.sides {
		sides = append(sides, s)
	}
	b.mu.RUnlock()

	var offers []Offer
	for _, s := range sides {
		s.mu.Lock()
		for _, ref := range s.refs {
			if ref.offer.Owner == owner {
				offers = append(offers, *ref.offer)
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.After(offers[j].CreatedAt)
	})
	return offers
}

// Best returns active offers for currency in price-time priority: rate
// ascending, then creation time ascending, optionally capped at maxRate.
// The snapshot reflects only committed consumption.
func (b *Book) Best(currency string, maxRate *decimal.Decimal) []Offer {
	s := b.side(currency)
	s.mu.Lock()
	defer s.mu.Unlock()

	var offers []Offer
	for _, level := range s.sortedLevels() {
		if maxRate != nil && level.rate.GreaterThan(*maxRate) {
			break
		}
		for e := level.orders.Front(); e != nil; e = e.Next() {
			offer := e.Value.(*Offer)
			if offer.Status != StatusActive || offer.Remaining.LessThanOrEqual(decimal.Zero) {
				continue
			}
			offers = append(offers, *offer)
		}
	}
	return offers
}

// BestRate returns the cheapest active rate for currency.
func (b *Book) BestRate(currency string) (decimal.Decimal, bool) {
	s := b.side(currency)
	s.mu.Lock()
	defer s.mu.Unlock()

	level := s.best()
	if level == nil {
		return decimal.Zero, false
	}
	return level.rate, true
}

// ActiveRates reports the rates of active offers created at or after since.
// Feeds the rate validator's market band.
func (b *Book) ActiveRates(currency string, since time.Time) []decimal.Decimal {
	s := b.side(currency)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []decimal.Decimal
	for _, ref := range s.refs {
		if ref.offer.Status != StatusActive {
			continue
		}
		if ref.offer.CreatedAt.Before(since) {
			continue
		}
		out = append(out, ref.offer.Rate)
	}
	return out
}

// Match consumes up to amount units of currency from the book in price-time
// order. The pass is atomic: the plan is built first without mutation, the
// average-rate bound is checked, and only then are offers decremented, all
// under the currency's lock. Drained offers transition to completed.
func (b *Book) Match(ctx context.Context, currency string, amount decimal.Decimal, opts MatchOptions) (*MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	s := b.side(currency)
	s.mu.Lock()
	defer s.mu.Unlock()

	type plannedFill struct {
		offer    *Offer
		quantity decimal.Decimal
	}

	remaining := amount
	notional := decimal.Zero
	var plan []plannedFill

	for _, level := range s.sortedLevels() {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if opts.MaxRate != nil && level.rate.GreaterThan(*opts.MaxRate) {
			break
		}
		for e := level.orders.Front(); e != nil && remaining.GreaterThan(decimal.Zero); e = e.Next() {
			offer := e.Value.(*Offer)
			if offer.Status != StatusActive || offer.Remaining.LessThanOrEqual(decimal.Zero) {
				continue
			}
			quantity := decimal.Min(remaining, offer.Remaining)
			plan = append(plan, plannedFill{offer: offer, quantity: quantity})
			remaining = remaining.Sub(quantity)
			notional = notional.Add(quantity.Mul(offer.Rate))
		}
	}

	matched := amount.Sub(remaining)
	result := &MatchResult{
		Requested:    amount,
		Matched:      matched,
		Fills:        make([]Fill, 0, len(plan)),
		FullyMatched: remaining.LessThanOrEqual(decimal.Zero),
	}
	if matched.LessThanOrEqual(decimal.Zero) {
		return result, nil
	}

	result.AverageRate = notional.Div(matched)
	if opts.MaxAverageRate != nil && result.AverageRate.GreaterThan(*opts.MaxAverageRate) {
		return nil, ErrRateLimited
	}

	now := b.now()
	for _, pf := range plan {
		pf.offer.Remaining = pf.offer.Remaining.Sub(pf.quantity)
		pf.offer.UpdatedAt = now
		if pf.offer.Remaining.LessThanOrEqual(decimal.Zero) {
			pf.offer.Status = StatusCompleted
			s.unlink(s.refs[pf.offer.ID])
		}
		result.Fills = append(result.Fills, Fill{
			OfferID:  pf.offer.ID,
			SellerID: pf.offer.Owner,
			Quantity: pf.quantity,
			Rate:     pf.offer.Rate,
		})
	}

	return result, nil
}

// Reinstate returns claimed quantities to their offers after a failed
// settlement. An offer cancelled in the meantime cannot take the quantity
// back, so its reservation remainder is released to the seller instead.
func (b *Book) Reinstate(ctx context.Context, fills []Fill) error {
	var firstErr error
	for _, fill := range fills {
		s, ref := b.findRef(fill.OfferID)
		if ref == nil {
			if firstErr == nil {
				firstErr = ErrNotFound
			}
			continue
		}

		s.mu.Lock()
		offer := ref.offer
		switch offer.Status {
		case StatusCancelled:
			s.mu.Unlock()
			err := ledger.WithRetry(ctx, 3, func() error {
				_, e := b.ledger.Release(ctx, fill.SellerID, offer.Currency, fill.Quantity)
				return e
			})
			if err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		case StatusCompleted:
			offer.Status = StatusActive
			offer.Remaining = offer.Remaining.Add(fill.Quantity)
			s.relink(ref)
		case StatusActive:
			offer.Remaining = offer.Remaining.Add(fill.Quantity)
		}
		offer.UpdatedAt = b.now()
		s.mu.Unlock()
	}
	return firstErr
}

func (b *Book) findRef(offerID uuid.UUID) (*side, *offerRef) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sides {
		s.mu.Lock()
		ref, ok := s.refs[offerID]
		s.mu.Unlock()
		if ok {
			return s, ref
		}
	}
	return nil, nil
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
