package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/mediaroute/internal/models"
	"github.com/digkill/mediaroute/internal/selector"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, selector.New(), models.TierFree, log), store
}

func fund(t *testing.T, l *Ledger, userID int64, credits int) {
	t.Helper()
	_, err := l.Allocate(context.Background(), userID, credits)
	require.NoError(t, err)
}

func TestBalanceEqualsSumOfDeltas(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	userID := int64(1)

	fund(t, l, userID, 100)

	genA := uuid.NewString()
	genB := uuid.NewString()
	_, err := l.Charge(ctx, userID, models.WorkflowNewImage, genA, "flux-2")
	require.NoError(t, err)
	_, err = l.Charge(ctx, userID, models.WorkflowImageToVideo, genB, "kling-2.1")
	require.NoError(t, err)
	_, err = l.Refund(ctx, genB)
	require.NoError(t, err)

	txs, err := l.Transactions(ctx, userID, time.Time{}, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)

	sum := 0
	for _, tx := range txs {
		sum += tx.Delta
	}
	balance, err := store.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	assert.Equal(t, 95, balance) // 100 - 5 - 20 + 20
}

func TestChargeIsIdempotentPerGeneration(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := int64(2)
	fund(t, l, userID, 50)

	genID := uuid.NewString()
	first, err := l.Charge(ctx, userID, models.WorkflowNewImage, genID, "flux-2")
	require.NoError(t, err)

	second, err := l.Charge(ctx, userID, models.WorkflowNewImage, genID, "flux-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "duplicate charge must return the original transaction")

	txs, err := l.Transactions(ctx, userID, time.Time{}, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	deductions := 0
	for _, tx := range txs {
		if tx.Reason == models.ReasonCharge {
			deductions++
		}
	}
	assert.Equal(t, 1, deductions)
}

func TestInsufficientFundsReportsDeficitAndGuidance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := int64(3)
	fund(t, l, userID, 5)

	// image_to_video costs 20 credits (4/sec over 5 seconds).
	avail, err := l.CheckAvailability(ctx, userID, models.WorkflowImageToVideo)
	require.NoError(t, err)
	assert.False(t, avail.Sufficient)
	assert.Equal(t, 5, avail.Balance)
	assert.Equal(t, 20, avail.Required)
	assert.Equal(t, 15, avail.Deficit)
	assert.Contains(t, avail.Guidance, string(models.TierBasic))

	_, err = l.Charge(ctx, userID, models.WorkflowImageToVideo, uuid.NewString(), "kling-2.1")
	var insufficientErr *InsufficientFundsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, 15, insufficientErr.Deficit)
}

func TestCheckAvailabilityHasNoSideEffects(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	userID := int64(4)
	fund(t, l, userID, 30)

	for i := 0; i < 3; i++ {
		_, err := l.CheckAvailability(ctx, userID, models.WorkflowNewImage)
		require.NoError(t, err)
	}
	balance, err := store.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 30, balance)
}

func TestRefundReferencesOriginalCharge(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := int64(5)
	fund(t, l, userID, 50)

	genID := uuid.NewString()
	charge, err := l.Charge(ctx, userID, models.WorkflowEditImage, genID, "nano-banana-pro")
	require.NoError(t, err)

	refund, err := l.Refund(ctx, genID)
	require.NoError(t, err)
	assert.Equal(t, charge.ID, refund.RefersTo)
	assert.Equal(t, -charge.Delta, refund.Delta)

	// A second refund returns the original compensation, not a new one.
	again, err := l.Refund(ctx, genID)
	require.NoError(t, err)
	assert.Equal(t, refund.ID, again.ID)
}

func TestRefundWithoutChargeFailsClosed(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Refund(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestAllocationCarriesOverUnusedBalance(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	userID := int64(6)

	fund(t, l, userID, 100)
	_, err := l.Charge(ctx, userID, models.WorkflowNewImage, uuid.NewString(), "flux-2")
	require.NoError(t, err)

	// Next period: the new allocation adds to the remaining 95.
	fund(t, l, userID, 100)
	balance, err := store.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 195, balance)
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	userID := int64(7)
	fund(t, l, userID, 12) // room for exactly two new_image charges

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Charge(ctx, userID, models.WorkflowNewImage, uuid.NewString(), "flux-2")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var insufficientErr *InsufficientFundsError
		require.True(t, errors.As(err, &insufficientErr), "unexpected error: %v", err)
	}
	assert.Equal(t, 2, succeeded)

	balance, err := store.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, balance)
	assert.GreaterOrEqual(t, balance, 0)
}
