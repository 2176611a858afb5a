package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/mediaroute/internal/models"
)

// ErrDuplicateCharge is returned when a charge row for the same
// generation id already exists.
var ErrDuplicateCharge = errors.New("charge already recorded for generation")

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Append writes one immutable ledger row. Rows are never updated or deleted.
func (r *TransactionRepository) Append(ctx context.Context, tx *models.CreditTransaction) error {
	const query = `
INSERT INTO credit_transactions (id, user_id, delta, balance_after, generation_id, model, reason, refers_to)
VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''))`
	if _, err := r.db.ExecContext(ctx, query, tx.ID, tx.UserID, tx.Delta, tx.BalanceAfter, tx.GenerationID, tx.Model, tx.Reason, tx.RefersTo); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateCharge
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// FindCharge returns the charge transaction for a generation id, or nil.
func (r *TransactionRepository) FindCharge(ctx context.Context, generationID string) (*models.CreditTransaction, error) {
	const query = `
SELECT id, user_id, delta, balance_after, COALESCE(generation_id, ''), COALESCE(model, ''), reason, COALESCE(refers_to, ''), created_at
FROM credit_transactions WHERE generation_id = ? AND reason = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, generationID, models.ReasonCharge)
	return scanTransaction(row)
}

// FindRefund returns the refund transaction for a generation id, or nil.
func (r *TransactionRepository) FindRefund(ctx context.Context, generationID string) (*models.CreditTransaction, error) {
	const query = `
SELECT id, user_id, delta, balance_after, COALESCE(generation_id, ''), COALESCE(model, ''), reason, COALESCE(refers_to, ''), created_at
FROM credit_transactions WHERE generation_id = ? AND reason = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, generationID, models.ReasonRefund)
	return scanTransaction(row)
}

// SumDeltas returns the user's balance as the sum of all their deltas.
// The ledger is the sole source of truth for balances.
func (r *TransactionRepository) SumDeltas(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var sum int
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum deltas: %w", err)
	}
	return sum, nil
}

// ListByUser returns the user's transactions within [from, to), newest first,
// for external statement views.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64, from, to time.Time, limit int) ([]models.CreditTransaction, error) {
	const query = `
SELECT id, user_id, delta, balance_after, COALESCE(generation_id, ''), COALESCE(model, ''), reason, COALESCE(refers_to, ''), created_at
FROM credit_transactions
WHERE user_id = ? AND created_at >= ? AND created_at < ?
ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &t.BalanceAfter, &t.GenerationID, &t.Model, &t.Reason, &t.RefersTo, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanTransaction(row *sql.Row) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	if err := row.Scan(&t.ID, &t.UserID, &t.Delta, &t.BalanceAfter, &t.GenerationID, &t.Model, &t.Reason, &t.RefersTo, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &t, nil
}
