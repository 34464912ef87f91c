package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/paivaedu632/ema-sub000/internal/book"
	"github.com/paivaedu632/ema-sub000/internal/fees"
	"github.com/paivaedu632/ema-sub000/internal/ledger"
	"github.com/paivaedu632/ema-sub000/internal/rates"
	"github.com/paivaedu632/ema-sub000/internal/txrecord"
)

var (
	// ErrUnsupportedCurrency rejects currencies outside the configured pair.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	// ErrInsufficientLiquidity means no resting offer could satisfy a market
	// order and no fallback was permitted or available.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrSlippageExceeded means the blended match rate fell outside the
	// caller's tolerance. Nothing is mutated when it is returned.
	ErrSlippageExceeded = errors.New("slippage exceeded")
)

// Pair is the two-currency universe the engine trades in. Base is the
// foreign currency, Quote the domestic one; offers in either currency are
// priced in the other.
type Pair struct {
	Base  string
	Quote string
}

func NewPair(base, quote string) (Pair, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return Pair{}, fmt.Errorf("pair requires base and quote currencies")
	}
	if base == quote {
		return Pair{}, fmt.Errorf("pair currencies must differ")
	}
	return Pair{Base: base, Quote: quote}, nil
}

func (p Pair) Contains(currency string) bool {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	return currency == p.Base || currency == p.Quote
}

// Counter returns the other currency of the pair.
func (p Pair) Counter(currency string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case p.Base:
		return p.Quote, true
	case p.Quote:
		return p.Base, true
	default:
		return "", false
	}
}

func (p Pair) String() string {
	return p.Base + "-" + p.Quote
}

// Config wires the engine's collaborators.
type Config struct {
	Pair         Pair
	Ledger       ledger.Store
	Book         *book.Book
	Fees         *fees.Schedule
	Validator    *rates.Validator
	Reference    rates.Source
	Recorder     *txrecord.Recorder
	Transactions txrecord.Store
	Metrics      *Metrics
	Logger       *slog.Logger

	// FeeAccount collects buyer-side fees; Treasury is the counterparty
	// for reference-rate fallback trades. Both are ordinary wallets.
	FeeAccount uuid.UUID
	Treasury   uuid.UUID
}

// Engine is the matching and ledger core: it owns offer placement,
// cancellation, market execution and balance reads on top of the shared
// ledger and offer book.
type Engine struct {
	pair         Pair
	ledger       ledger.Store
	book         *book.Book
	fees         *fees.Schedule
	validator    *rates.Validator
	reference    rates.Source
	recorder     *txrecord.Recorder
	transactions txrecord.Store
	metrics      *Metrics
	logger       *slog.Logger
	feeAccount   uuid.UUID
	treasury     uuid.UUID
	now          func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if cfg.Book == nil {
		return nil, fmt.Errorf("offer book required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("transaction recorder required")
	}
	if !cfg.Pair.Contains(cfg.Pair.Base) || !cfg.Pair.Contains(cfg.Pair.Quote) {
		return nil, fmt.Errorf("invalid currency pair")
	}
	if cfg.FeeAccount == uuid.Nil {
		return nil, fmt.Errorf("fee account required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pair:         cfg.Pair,
		ledger:       cfg.Ledger,
		book:         cfg.Book,
		fees:         cfg.Fees,
		validator:    cfg.Validator,
		reference:    cfg.Reference,
		recorder:     cfg.Recorder,
		transactions: cfg.Transactions,
		metrics:      cfg.Metrics,
		logger:       logger,
		feeAccount:   cfg.FeeAccount,
		treasury:     cfg.Treasury,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// PlaceLimitOffer posts resting sell liquidity: amount of currency at rate,
// funded from the caller's available balance.
func (e *Engine) PlaceLimitOffer(ctx context.Context, userID uuid.UUID, currency string, amount, rate decimal.Decimal) (book.Offer, error) {
	if !e.pair.Contains(currency) {
		return book.Offer{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	if err := e.validator.Validate(currency, rate); err != nil {
		return book.Offer{}, err
	}

	offer, err := e.book.Post(ctx, userID, currency, amount, rate)
	if err != nil {
		return book.Offer{}, err
	}

	e.metrics.ObserveOfferPosted(offer.Currency)
	e.logger.Info("offer posted",
		"offer_id", offer.ID.String(),
		"owner", userID.String(),
		"currency", offer.Currency,
		"amount", offer.Remaining.String(),
		"rate", offer.Rate.String(),
	)
	return offer, nil
}

// CancelOffer withdraws the caller's offer and returns the unconsumed
// remainder to their available balance.
func (e *Engine) CancelOffer(ctx context.Context, userID, offerID uuid.UUID) (book.Offer, error) {
	offer, err := e.book.Cancel(ctx, offerID, userID)
	if err != nil {
		return book.Offer{}, err
	}

	e.metrics.ObserveOfferCancelled(offer.Currency)
	e.logger.Info("offer cancelled", "offer_id", offer.ID.String(), "owner", userID.String())
	return offer, nil
}

// GetBalance reads the caller's wallet in one currency.
func (e *Engine) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (ledger.Wallet, error) {
	if !e.pair.Contains(currency) {
		return ledger.Wallet{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return e.ledger.Balance(ctx, userID, currency)
}

// Offers lists the caller's offers, newest first.
func (e *Engine) Offers(userID uuid.UUID) []book.Offer {
	return e.book.OffersByOwner(userID)
}

// Transactions lists the caller's transaction history, newest first.
func (e *Engine) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]txrecord.Transaction, error) {
	if e.transactions == nil {
		return nil, nil
	}
	return e.transactions.ListByOwner(ctx, userID, limit)
}
