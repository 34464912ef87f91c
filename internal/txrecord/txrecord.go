package txrecord

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("transaction not found")

// Type is the trade side of a transaction record.
type Type string

const (
	TypeBuy  Type = "buy"
	TypeSell Type = "sell"
)

// Status is the transaction lifecycle state. Completed and failed are
// terminal: afterwards only metadata annotations may be appended.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Metadata links a transaction to its exchange. Records sharing an
// ExchangeID are the legs of one matched trade.
type Metadata struct {
	ExchangeID     uuid.UUID `json:"exchange_id,omitempty"`
	OfferID        uuid.UUID `json:"offer_id,omitempty"`
	OrderMatching  bool      `json:"order_matching"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
}

// Transaction is an immutable audit record of one movement of funds.
// Transactions are never deleted; failures are annotated in place.
type Transaction struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	Type      Type
	Amount    decimal.Decimal
	Currency  string
	FeeAmount decimal.Decimal
	NetAmount decimal.Decimal
	Rate      decimal.Decimal
	Status    Status
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists transactions. Insert writes a new row; MarkFailed
// transitions a row to failed and appends the cause to its metadata.
type Store interface {
	Insert(ctx context.Context, txn *Transaction) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) error
	Get(ctx context.Context, id uuid.UUID) (Transaction, error)
	ListByOwner(ctx context.Context, owner uuid.UUID, limit int) ([]Transaction, error)
	ListByExchange(ctx context.Context, exchangeID uuid.UUID) ([]Transaction, error)
}
