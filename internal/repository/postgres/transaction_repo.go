package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
)

var _ repository.TransactionRepository = (*TransactionRepository)(nil)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Save(ctx context.Context, tx *domain.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, currency, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tx.ID, tx.UserID, tx.Amount, tx.Currency, tx.Timestamp, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transaction %s", repository.ErrDuplicate, tx.ID)
		}
		return fmt.Errorf("%w: insert transaction %s: %w", repository.ErrStoreUnavailable, tx.ID, err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM transactions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get transaction %s: %w", repository.ErrStoreUnavailable, id, err)
	}

	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", id, err)
	}
	return &tx, nil
}
