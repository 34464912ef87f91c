package txrecord

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/google/uuid"
	"github.com/paivaedu632/ema-sub000/libs/kafka"
)

const tradeEventType = "exchange.trade.executed"

// Publisher is the audit event sink; satisfied by libs/kafka producers.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

// Recorder writes the transaction legs of a trade and fans the outcome out
// to the audit topic. Persistence is authoritative; a publish failure is
// logged and left to the dead-letter path, it never unwinds a trade.
type Recorder struct {
	store     Store
	publisher Publisher
	topic     string
	logger    *slog.Logger
}

func NewRecorder(store Store, publisher Publisher, topic string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     store,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// RecordMatchedTrade persists the buyer leg and every seller leg of one
// matched exchange. All legs share the exchange id; each seller leg carries
// the offer it consumed. If a later leg fails to persist, the earlier legs
// are annotated as failed rather than removed.
func (r *Recorder) RecordMatchedTrade(ctx context.Context, exchangeID uuid.UUID, buyer Transaction, sellers ...Transaction) ([]Transaction, error) {
	legs := make([]Transaction, 0, 1+len(sellers))
	legs = append(legs, buyer)
	legs = append(legs, sellers...)

	inserted := make([]Transaction, 0, len(legs))
	for i := range legs {
		legs[i].Metadata.ExchangeID = exchangeID
		legs[i].Metadata.OrderMatching = true
		if legs[i].Status == "" {
			legs[i].Status = StatusCompleted
		}
		if err := r.store.Insert(ctx, &legs[i]); err != nil {
			cause := fmt.Sprintf("record leg %d: %v", i, err)
			for _, prev := range inserted {
				if markErr := r.store.MarkFailed(ctx, prev.ID, cause); markErr != nil {
					r.logger.Error("mark transaction failed", "transaction_id", prev.ID, "error", markErr)
				}
			}
			return nil, fmt.Errorf("record matched trade: %w", err)
		}
		inserted = append(inserted, legs[i])
	}

	r.publish(ctx, exchangeID, inserted, true)
	return inserted, nil
}

// RecordFallbackTrade persists the single-sided record of a reference-rate
// trade.
func (r *Recorder) RecordFallbackTrade(ctx context.Context, txn Transaction, reason string) (Transaction, error) {
	txn.Metadata.OrderMatching = false
	txn.Metadata.FallbackReason = reason
	if txn.Status == "" {
		txn.Status = StatusCompleted
	}
	if err := r.store.Insert(ctx, &txn); err != nil {
		return Transaction{}, fmt.Errorf("record fallback trade: %w", err)
	}

	r.publish(ctx, txn.Metadata.ExchangeID, []Transaction{txn}, false)
	return txn, nil
}

// RecordFailedTrade persists the audit record of a trade that began
// execution but could not complete. The record is written failed from the
// start, with the cause in its metadata.
func (r *Recorder) RecordFailedTrade(ctx context.Context, txn Transaction, cause error) (Transaction, error) {
	txn.Status = StatusFailed
	txn.Metadata.Errors = append(txn.Metadata.Errors, cause.Error())
	if err := r.store.Insert(ctx, &txn); err != nil {
		return Transaction{}, fmt.Errorf("record failed trade: %w", err)
	}
	return txn, nil
}

// MarkFailed annotates an already-written transaction with the failure
// cause. Used when execution began but could not complete.
func (r *Recorder) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	return r.store.MarkFailed(ctx, id, cause.Error())
}

type tradeLeg struct {
	TransactionID string `json:"transaction_id"`
	Owner         string `json:"owner"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	FeeAmount     string `json:"fee_amount"`
	NetAmount     string `json:"net_amount"`
	Rate          string `json:"rate"`
	OfferID       string `json:"offer_id,omitempty"`
}

type tradeExecutedEvent struct {
	kafka.Envelope
	ExchangeID    string     `json:"exchange_id"`
	OrderMatching bool       `json:"order_matching"`
	Legs          []tradeLeg `json:"legs"`
}

func (r *Recorder) publish(ctx context.Context, exchangeID uuid.UUID, legs []Transaction, matched bool) {
	if r.publisher == nil || r.topic == "" {
		return
	}

	eventID := kafka.DeterministicEventID(tradeEventType, exchangeID.String())
	envelope, err := kafka.NewEnvelopeWithID(eventID, tradeEventType, 1, exchangeID.String())
	if err != nil {
		r.logger.Error("build trade event", "error", err)
		return
	}

	event := tradeExecutedEvent{
		Envelope:      envelope,
		ExchangeID:    exchangeID.String(),
		OrderMatching: matched,
		Legs:          make([]tradeLeg, 0, len(legs)),
	}
	for _, txn := range legs {
		leg := tradeLeg{
			TransactionID: txn.ID.String(),
			Owner:         txn.Owner.String(),
			Type:          string(txn.Type),
			Amount:        txn.Amount.String(),
			Currency:      txn.Currency,
			FeeAmount:     txn.FeeAmount.String(),
			NetAmount:     txn.NetAmount.String(),
			Rate:          txn.Rate.String(),
		}
		if txn.Metadata.OfferID != uuid.Nil {
			leg.OfferID = txn.Metadata.OfferID.String()
		}
		event.Legs = append(event.Legs, leg)
	}

	if _, _, err := r.publisher.PublishJSON(ctx, r.topic, exchangeID.String(), event); err != nil {
		r.logger.Error("publish trade event", "exchange_id", exchangeID.String(), "error", err)
	}
}
