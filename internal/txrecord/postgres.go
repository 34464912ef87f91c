package txrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists transactions:
//
//	transactions(id uuid pk, owner_id uuid, type text, amount numeric,
//	             currency text, fee_amount numeric, net_amount numeric,
//	             rate numeric, status text, metadata jsonb,
//	             created_at timestamptz, updated_at timestamptz)
//
// Rows are insert-only; MarkFailed is the single permitted update and it
// only moves a row into the failed state with an annotated cause.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Insert(ctx context.Context, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.now()
	}
	txn.UpdatedAt = txn.CreatedAt

	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transactions (id, owner_id, type, amount, currency, fee_amount, net_amount, rate, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, txn.ID, txn.Owner, string(txn.Type), txn.Amount.String(), txn.Currency,
		txn.FeeAmount.String(), txn.NetAmount.String(), txn.Rate.String(),
		string(txn.Status), metadata, txn.CreatedAt)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	txn, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	txn.Metadata.Errors = append(txn.Metadata.Errors, cause)
	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET status = $1, metadata = $2, updated_at = $3
		WHERE id = $4
	`, string(StatusFailed), metadata, s.now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return txn, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner uuid.UUID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) ListByExchange(ctx context.Context, exchangeID uuid.UUID) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE metadata->>'exchange_id' = $1 ORDER BY created_at ASC`, exchangeID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

const selectColumns = `
	SELECT id, owner_id, type, amount::text, currency, fee_amount::text, net_amount::text, rate::text, status, metadata, created_at, updated_at
	FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var txn Transaction
	var txnType, status string
	var amountStr, feeStr, netStr, rateStr string
	var metadata []byte

	if err := row.Scan(&txn.ID, &txn.Owner, &txnType, &amountStr, &txn.Currency,
		&feeStr, &netStr, &rateStr, &status, &metadata, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return Transaction{}, err
	}

	txn.Type = Type(txnType)
	txn.Status = Status(status)

	var err error
	if txn.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if txn.FeeAmount, err = decimal.NewFromString(feeStr); err != nil {
		return Transaction{}, fmt.Errorf("parse fee amount: %w", err)
	}
	if txn.NetAmount, err = decimal.NewFromString(netStr); err != nil {
		return Transaction{}, fmt.Errorf("parse net amount: %w", err)
	}
	if txn.Rate, err = decimal.NewFromString(rateStr); err != nil {
		return Transaction{}, fmt.Errorf("parse rate: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return txn, nil
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
