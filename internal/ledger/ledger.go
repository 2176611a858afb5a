package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/mediaroute/internal/models"
)

// ErrConsistency flags a ledger state that should be impossible if the
// invariants hold. Requests hitting it fail closed, with no charge, and
// the transaction set needs manual reconciliation.
var ErrConsistency = errors.New("ledger consistency violation")

// InsufficientFundsError reports a failed admission check with the
// deficit and human-readable upgrade guidance.
type InsufficientFundsError struct {
	Balance  int
	Required int
	Deficit  int
	Guidance string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d (short %d)", e.Balance, e.Required, e.Deficit)
}

// Availability is the result of a pure admission-control read.
type Availability struct {
	Sufficient bool   `json:"sufficient"`
	Balance    int    `json:"balance"`
	Required   int    `json:"required"`
	Deficit    int    `json:"deficit"`
	Guidance   string `json:"guidance,omitempty"`
}

// CostTable supplies the per-workflow credit cost. The model selector
// implements it.
type CostTable interface {
	CostFor(workflow models.WorkflowType) (int, error)
}

// Store persists accounts and the append-only transaction log.
type Store interface {
	EnsureAccount(ctx context.Context, userID int64, tier models.Tier) (*models.CreditAccount, error)
	// Append writes one immutable row. A second charge row for the same
	// generation id fails with ErrDuplicateCharge.
	Append(ctx context.Context, tx *models.CreditTransaction) error
	FindCharge(ctx context.Context, generationID string) (*models.CreditTransaction, error)
	FindRefund(ctx context.Context, generationID string) (*models.CreditTransaction, error)
	// Balance is the sum of the user's transaction deltas; the ledger
	// is the sole source of truth.
	Balance(ctx context.Context, userID int64) (int, error)
	List(ctx context.Context, userID int64, from, to time.Time, limit int) ([]models.CreditTransaction, error)
	AddPeriodUsage(ctx context.Context, userID int64, amount int) error
	ResetPeriod(ctx context.Context, userID int64, allocation int) error
}

// ErrDuplicateCharge is returned by stores when a charge for the
// generation id was already appended.
var ErrDuplicateCharge = errors.New("charge already recorded for generation")

// Ledger enforces admission control over the prepaid credit scheme.
// Charges for one user are serialized behind a per-user lock, closing
// the race where two concurrent requests both pass the availability
// check before either charges.
type Ledger struct {
	store       Store
	costs       CostTable
	defaultTier models.Tier
	log         *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(store Store, costs CostTable, defaultTier models.Tier, log *slog.Logger) *Ledger {
	if defaultTier == "" {
		defaultTier = models.TierFree
	}
	return &Ledger{
		store:       store,
		costs:       costs,
		defaultTier: defaultTier,
		log:         log,
		locks:       make(map[int64]*sync.Mutex),
	}
}

func (l *Ledger) userLock(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// CheckAvailability is a pure read with no side effects.
func (l *Ledger) CheckAvailability(ctx context.Context, userID int64, workflow models.WorkflowType) (Availability, error) {
	required, err := l.costs.CostFor(workflow)
	if err != nil {
		return Availability{}, err
	}
	if _, err := l.store.EnsureAccount(ctx, userID, l.defaultTier); err != nil {
		return Availability{}, err
	}
	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return Availability{}, err
	}

	avail := Availability{
		Sufficient: balance >= required,
		Balance:    balance,
		Required:   required,
	}
	if !avail.Sufficient {
		avail.Deficit = required - balance
		avail.Guidance = upgradeGuidance(required)
	}
	return avail, nil
}

// Charge deducts the workflow cost for a generation. It re-validates
// the balance atomically at charge time and is idempotent: a duplicate
// charge for the same generation id is a no-op returning the original
// transaction, never a second deduction.
func (l *Ledger) Charge(ctx context.Context, userID int64, workflow models.WorkflowType, generationID, model string) (*models.CreditTransaction, error) {
	cost, err := l.costs.CostFor(workflow)
	if err != nil {
		return nil, err
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := l.store.FindCharge(ctx, generationID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if _, err := l.store.EnsureAccount(ctx, userID, l.defaultTier); err != nil {
		return nil, err
	}
	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < 0 {
		return nil, fmt.Errorf("%w: user %d balance %d is negative", ErrConsistency, userID, balance)
	}
	if balance < cost {
		return nil, &InsufficientFundsError{
			Balance:  balance,
			Required: cost,
			Deficit:  cost - balance,
			Guidance: upgradeGuidance(cost),
		}
	}

	tx := &models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Delta:        -cost,
		BalanceAfter: balance - cost,
		GenerationID: generationID,
		Model:        model,
		Reason:       models.ReasonCharge,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.Append(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateCharge) {
			// Lost a race with an identical charge; the original wins.
			return l.store.FindCharge(ctx, generationID)
		}
		return nil, err
	}
	if err := l.store.AddPeriodUsage(ctx, userID, cost); err != nil {
		l.log.Error("record period usage failed", "user_id", userID, "err", err)
	}
	return tx, nil
}

// Refund appends a compensating transaction referencing the original
// charge. The charge row itself is never edited or deleted. Refunding
// the same generation twice returns the original refund.
func (l *Ledger) Refund(ctx context.Context, generationID string) (*models.CreditTransaction, error) {
	charge, err := l.store.FindCharge(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, fmt.Errorf("%w: refund for generation %s with no recorded charge", ErrConsistency, generationID)
	}

	lock := l.userLock(charge.UserID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := l.store.FindRefund(ctx, generationID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	balance, err := l.store.Balance(ctx, charge.UserID)
	if err != nil {
		return nil, err
	}

	tx := &models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       charge.UserID,
		Delta:        -charge.Delta,
		BalanceAfter: balance - charge.Delta,
		GenerationID: generationID,
		Model:        charge.Model,
		Reason:       models.ReasonRefund,
		RefersTo:     charge.ID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.Append(ctx, tx); err != nil {
		return nil, err
	}
	if err := l.store.AddPeriodUsage(ctx, charge.UserID, charge.Delta); err != nil {
		l.log.Error("revert period usage failed", "user_id", charge.UserID, "err", err)
	}
	return tx, nil
}

// Allocate appends the billing-period allocation as a positive
// transaction. Unused balance carries over: allocation adds to whatever
// the user still holds rather than resetting it.
func (l *Ledger) Allocate(ctx context.Context, userID int64, credits int) (*models.CreditTransaction, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("allocation must be positive, got %d", credits)
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := l.store.EnsureAccount(ctx, userID, l.defaultTier); err != nil {
		return nil, err
	}
	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx := &models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Delta:        credits,
		BalanceAfter: balance + credits,
		Reason:       models.ReasonAllocation,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.Append(ctx, tx); err != nil {
		return nil, err
	}
	if err := l.store.ResetPeriod(ctx, userID, credits); err != nil {
		l.log.Error("reset period failed", "user_id", userID, "err", err)
	}
	return tx, nil
}

// Transactions lists a user's ledger rows for statement views.
func (l *Ledger) Transactions(ctx context.Context, userID int64, from, to time.Time, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.List(ctx, userID, from, to, limit)
}

// upgradeGuidance names the cheapest tier whose monthly allocation
// covers the required cost.
func upgradeGuidance(required int) string {
	for _, tier := range []models.Tier{models.TierBasic, models.TierPro, models.TierStudio} {
		if tier.Allocation() >= required {
			return fmt.Sprintf("upgrade to the %s tier (%d credits per month) to run this workflow", tier, tier.Allocation())
		}
	}
	return "contact support for a custom allocation"
}
