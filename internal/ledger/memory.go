package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/digkill/mediaroute/internal/models"
)

// MemoryStore is the in-process Store used by tests and single-node
// runs. Append-only: rows are never mutated after insert.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]*models.CreditAccount
	txs      []models.CreditTransaction
	byCharge map[string]int
	byRefund map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*models.CreditAccount),
		byCharge: make(map[string]int),
		byRefund: make(map[string]int),
	}
}

func (s *MemoryStore) EnsureAccount(ctx context.Context, userID int64, tier models.Tier) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[userID]; ok {
		a := *account
		return &a, nil
	}
	now := time.Now().UTC()
	account := &models.CreditAccount{
		UserID:           userID,
		Tier:             tier,
		PeriodAllocation: tier.Allocation(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.accounts[userID] = account
	a := *account
	return &a, nil
}

func (s *MemoryStore) Append(ctx context.Context, tx *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.GenerationID != "" {
		index := s.byCharge
		if tx.Reason == models.ReasonRefund {
			index = s.byRefund
		}
		if _, exists := index[tx.GenerationID]; exists {
			return ErrDuplicateCharge
		}
		index[tx.GenerationID] = len(s.txs)
	}
	s.txs = append(s.txs, *tx)
	return nil
}

func (s *MemoryStore) FindCharge(ctx context.Context, generationID string) (*models.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.byCharge[generationID]; ok {
		tx := s.txs[i]
		return &tx, nil
	}
	return nil, nil
}

func (s *MemoryStore) FindRefund(ctx context.Context, generationID string) (*models.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.byRefund[generationID]; ok {
		tx := s.txs[i]
		return &tx, nil
	}
	return nil, nil
}

func (s *MemoryStore) Balance(ctx context.Context, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := 0
	for _, tx := range s.txs {
		if tx.UserID == userID {
			sum += tx.Delta
		}
	}
	return sum, nil
}

func (s *MemoryStore) List(ctx context.Context, userID int64, from, to time.Time, limit int) ([]models.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CreditTransaction
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.txs[i]
		if tx.UserID != userID {
			continue
		}
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *MemoryStore) AddPeriodUsage(ctx context.Context, userID int64, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[userID]; ok {
		account.PeriodUsage += amount
		account.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ResetPeriod(ctx context.Context, userID int64, allocation int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[userID]; ok {
		account.PeriodAllocation = allocation
		account.PeriodUsage = 0
		account.UpdatedAt = time.Now().UTC()
	}
	return nil
}
