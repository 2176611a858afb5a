package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/digkill/mediaroute/internal/models"
	"github.com/digkill/mediaroute/internal/repository"
)

// SQLStore adapts the MySQL repositories to the ledger's Store
// interface. The unique key on (generation_id, reason) enforces charge
// idempotency at the database level.
type SQLStore struct {
	accounts     *repository.AccountRepository
	transactions *repository.TransactionRepository
}

func NewSQLStore(accounts *repository.AccountRepository, transactions *repository.TransactionRepository) *SQLStore {
	return &SQLStore{accounts: accounts, transactions: transactions}
}

func (s *SQLStore) EnsureAccount(ctx context.Context, userID int64, tier models.Tier) (*models.CreditAccount, error) {
	return s.accounts.Ensure(ctx, userID, tier)
}

func (s *SQLStore) Append(ctx context.Context, tx *models.CreditTransaction) error {
	if err := s.transactions.Append(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicateCharge) {
			return ErrDuplicateCharge
		}
		return err
	}
	return nil
}

func (s *SQLStore) FindCharge(ctx context.Context, generationID string) (*models.CreditTransaction, error) {
	return s.transactions.FindCharge(ctx, generationID)
}

func (s *SQLStore) FindRefund(ctx context.Context, generationID string) (*models.CreditTransaction, error) {
	return s.transactions.FindRefund(ctx, generationID)
}

func (s *SQLStore) Balance(ctx context.Context, userID int64) (int, error) {
	return s.transactions.SumDeltas(ctx, userID)
}

func (s *SQLStore) List(ctx context.Context, userID int64, from, to time.Time, limit int) ([]models.CreditTransaction, error) {
	return s.transactions.ListByUser(ctx, userID, from, to, limit)
}

func (s *SQLStore) AddPeriodUsage(ctx context.Context, userID int64, amount int) error {
	return s.accounts.AddPeriodUsage(ctx, userID, amount)
}

func (s *SQLStore) ResetPeriod(ctx context.Context, userID int64, allocation int) error {
	return s.accounts.ResetPeriod(ctx, userID, allocation)
}
