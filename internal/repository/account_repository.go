package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/mediaroute/internal/models"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Find(ctx context.Context, userID int64) (*models.CreditAccount, error) {
	const query = `
SELECT user_id, tier, period_allocation, period_usage, created_at, updated_at
FROM credit_accounts WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var a models.CreditAccount
	if err := row.Scan(&a.UserID, &a.Tier, &a.PeriodAllocation, &a.PeriodUsage, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *models.CreditAccount) error {
	const query = `
INSERT INTO credit_accounts (user_id, tier, period_allocation, period_usage)
VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, account.UserID, account.Tier, account.PeriodAllocation, account.PeriodUsage); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Ensure returns the account for userID, creating it with tier defaults
// when no account exists yet.
func (r *AccountRepository) Ensure(ctx context.Context, userID int64, tier models.Tier) (*models.CreditAccount, error) {
	account, err := r.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}
	account = &models.CreditAccount{
		UserID:           userID,
		Tier:             tier,
		PeriodAllocation: tier.Allocation(),
	}
	if err := r.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (r *AccountRepository) SetTier(ctx context.Context, userID int64, tier models.Tier) error {
	const query = `UPDATE credit_accounts SET tier = ?, updated_at = NOW() WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, tier, userID); err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	return nil
}

// ResetPeriod records a new billing period's allocation and zeroes usage.
// The matching ledger row is written by the ledger, not here.
func (r *AccountRepository) ResetPeriod(ctx context.Context, userID int64, allocation int) error {
	const query = `
UPDATE credit_accounts SET period_allocation = ?, period_usage = 0, updated_at = NOW()
WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, allocation, userID); err != nil {
		return fmt.Errorf("reset period: %w", err)
	}
	return nil
}

func (r *AccountRepository) AddPeriodUsage(ctx context.Context, userID int64, amount int) error {
	const query = `
UPDATE credit_accounts SET period_usage = period_usage + ?, updated_at = NOW()
WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, amount, userID); err != nil {
		return fmt.Errorf("add period usage: %w", err)
	}
	return nil
}
