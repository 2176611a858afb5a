package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/mediaroute/internal/intent"
	"github.com/digkill/mediaroute/internal/ledger"
	"github.com/digkill/mediaroute/internal/models"
	"github.com/digkill/mediaroute/internal/provider"
	"github.com/digkill/mediaroute/internal/resilience"
	"github.com/digkill/mediaroute/internal/selector"
	"github.com/digkill/mediaroute/internal/session"
)

type fixedIntent struct {
	result models.IntentClassification
}

func (f fixedIntent) Classify(ctx context.Context, prompt string, pctx intent.PromptContext) (*models.IntentClassification, error) {
	r := f.result
	return &r, nil
}

type fakeInvoker struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{fail: make(map[string]error), calls: make(map[string]int)}
}

func (f *fakeInvoker) Invoke(ctx context.Context, modelID string, params provider.InvokeParams) (*provider.InvokeResult, error) {
	f.mu.Lock()
	f.calls[modelID]++
	f.mu.Unlock()
	if err := f.fail[modelID]; err != nil {
		return nil, err
	}
	return &provider.InvokeResult{
		OutputURL: "https://gw.example.com/output/" + modelID,
		Elapsed:   3 * time.Second,
	}, nil
}

func (f *fakeInvoker) callCount(modelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[modelID]
}

type failingMediaStore struct{}

func (failingMediaStore) Mirror(ctx context.Context, srcURL string, kind models.MediaKind) (*models.MediaRef, error) {
	return nil, errors.New("bucket unavailable")
}

type testEnv struct {
	orch     *Orchestrator
	ledger   *ledger.Ledger
	sessions *session.MemoryStore
	invoker  *fakeInvoker
	breakers *resilience.BreakerGroup
}

type envConfig struct {
	intent   models.IntentClassification
	limits   resilience.Limits
	breaker  resilience.BreakerConfig
	media    MediaStore
	credits  int
	noCredit bool
}

func newEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg.limits == (resilience.Limits{}) {
		cfg.limits = resilience.Limits{PerMinute: 100, PerHour: 1000}
	}
	if cfg.breaker == (resilience.BreakerConfig{}) {
		cfg.breaker = resilience.BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenSuccesses: 2}
	}
	if cfg.credits == 0 && !cfg.noCredit {
		cfg.credits = 100
	}

	sessions := session.NewMemoryStore(time.Hour)
	classifier := intent.NewClassifier(intent.Config{
		CacheTTL:    time.Minute,
		MaxAttempts: 1,
		RetryBase:   time.Millisecond,
	}, fixedIntent{result: cfg.intent}, resilience.NewMemoryCache(), log)
	sel := selector.New()
	led := ledger.New(ledger.NewMemoryStore(), sel, models.TierFree, log)
	limiter := resilience.NewMemoryRateLimiter(cfg.limits)
	invoker := newFakeInvoker()
	breakers := resilience.NewBreakerGroup(cfg.breaker)

	if cfg.credits > 0 {
		_, err := led.Allocate(context.Background(), 7, cfg.credits)
		require.NoError(t, err)
	}

	return &testEnv{
		orch:     New(log, sessions, classifier, sel, led, limiter, invoker, breakers, cfg.media),
		ledger:   led,
		sessions: sessions,
		invoker:  invoker,
		breakers: breakers,
	}
}

func (e *testEnv) transactions(t *testing.T) []models.CreditTransaction {
	t.Helper()
	txs, err := e.ledger.Transactions(context.Background(), 7, time.Time{}, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	return txs
}

func (e *testEnv) countReason(t *testing.T, reason models.TransactionReason) int {
	count := 0
	for _, tx := range e.transactions(t) {
		if tx.Reason == reason {
			count++
		}
	}
	return count
}

func confidentIntent(workflow models.WorkflowType) models.IntentClassification {
	return models.IntentClassification{Workflow: workflow, Confidence: 0.9}
}

func TestFreshPromptCreatesSessionAndChargesOnce(t *testing.T) {
	env := newEnv(t, envConfig{intent: confidentIntent(models.WorkflowNewImage)})
	ctx := context.Background()

	result, err := env.orch.Process(ctx, models.GenerationRequest{
		UserID: 7,
		Prompt: "generate a dragon",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "flux-2", result.ModelUsed)
	assert.Equal(t, models.SourceNone, result.ImageSourceType)
	assert.NotEmpty(t, result.SessionID)
	require.NotNil(t, result.OutputMedia)
	assert.Equal(t, models.MediaKindImage, result.OutputMedia.Kind)

	// Exactly one charge for exactly the workflow cost.
	charges := 0
	for _, tx := range env.transactions(t) {
		if tx.Reason == models.ReasonCharge {
			charges++
			assert.Equal(t, -5, tx.Delta)
			assert.Equal(t, result.GenerationID, tx.GenerationID)
		}
	}
	assert.Equal(t, 1, charges)

	// The new session now carries the output as working media.
	sess, err := env.sessions.Get(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.WorkingMedia)
	assert.Equal(t, result.OutputMedia.URL, sess.WorkingMedia.URL)
}

func TestSessionWorkingMediaOutranksUpload(t *testing.T) {
	env := newEnv(t, envConfig{intent: confidentIntent(models.WorkflowEditImage)})
	ctx := context.Background()

	sess, err := env.sessions.Create(ctx, 7)
	require.NoError(t, err)
	working := models.MediaRef{URL: "https://cdn.example.com/dragon.png", Kind: models.MediaKindImage}
	require.NoError(t, env.sessions.SetWorkingMedia(ctx, sess.ID, working))

	result, err := env.orch.Process(ctx, models.GenerationRequest{
		UserID:    7,
		Prompt:    "put a hat on it",
		SessionID: sess.ID,
		UploadedMedia: []models.MediaRef{
			{URL: "https://cdn.example.com/cat.png", Kind: models.MediaKindImage},
		},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, models.SourceSession, result.ImageSourceType)
	assert.Equal(t, sess.ID, result.SessionID)
	assert.Equal(t, "nano-banana-pro", result.ModelUsed)
}

func TestExplicitMediaOutranksSession(t *testing.T) {
	env := newEnv(t, envConfig{intent: confidentIntent(models.WorkflowEditImage)})
	ctx := context.Background()

	sess, err := env.sessions.Create(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, env.sessions.SetWorkingMedia(ctx, sess.ID, models.MediaRef{
		URL: "https://cdn.example.com/dragon.png", Kind: models.MediaKindImage,
	}))

	result, err := env.orch.Process(ctx, models.GenerationRequest{
		UserID:    7,
		Prompt:    "recolor this one",
		SessionID: sess.ID,
		CurrentWorkingMedia: &models.MediaRef{
			URL: "https://cdn.example.com/castle.png", Kind: models.MediaKindImage,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SourceExplicit, result.ImageSourceType)
}

func TestUnknownSessionStartsFresh(t *testing.T) {
	env := newEnv(t, envConfig{intent: confidentIntent(models.WorkflowNewImage)})

	result, err := env.orch.Process(context.Background(), models.GenerationRequest{
		UserID:    7,
		Prompt:    "generate a castle",
		SessionID: "expired-or-bogus",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEqual(t, "expired-or-bogus", result.SessionID)
}

func TestEditWithoutTargetFails(t *testing.T) {
	env := newEnv(t, envConfig{intent: confidentIntent(models.WorkflowEditImage)})

	result, err := env.orch.Process(context.Background(), models.GenerationRequest{
		UserID: 7,
		Prompt: "put a hat on it",
	})
	assert.ErrorIs(t, err, ErrNoEditTarget)
	assert.False(t, result.Success)
	assert.Equal(t, 0, env.invoker.callCount("nano-banana-pro"), "no provider call without a target")
	assert.Equal(t, 0, env.countReason(t, models.ReasonCharge))
}

func TestBreakerOpensAfterRepeatedPrimaryFailures(t *testing.T) {
	env := newEnv(t, envConfig{
		intent:  confidentIntent(models.WorkflowNewImage),
		breaker: resilience.BreakerConfig{FailureThreshold: 2, Cooldown: 30 * time.Second, HalfOpenSuccesses: 2},
	})
	ctx := context.Background()
	env.invoker.fail["flux-2"] = errors.New("gateway timeout")

	// Two requests fail over to the first fallback and still succeed.
	for i := 0; i < 2; i++ {
		result, err := env.orch.Process(ctx, models.GenerationRequest{UserID: 7, Prompt: "generate a dragon"})
		require.NoError(t, err)
		require.True(t, result.Success)
		assert.Equal(t, "nano-banana-pro", result.ModelUsed)
	}
	require.Equal(t, 2, env.invoker.callCount("flux-2"))
	assert.Equal(t, resilience.StateOpen, env.orch.BreakerStates()["flux-2"])

	// Third request short-circuits the primary without calling it.
	result, err := env.orch.Process(ctx, models.GenerationRequest{UserID: 7, Prompt: "generate a dragon"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "nano-banana-pro", result.ModelUsed)
	assert.Equal(t, 2, env.invoker.callCount("flux-2"), "open breaker must not admit calls")

	// One charge per successful generation, none extra for retries.
	assert.Equal(t, 3, env.countReason(t, models.ReasonCharge))
}

func TestAllModelsFailingIsTerminal(t *testing.T) {
	env := newEnv(t, envConfig{intent: confidentIntent(models.WorkflowUpscaleImage)})
	ctx := context.Background()
	env.invoker.fail["clarity-upscale"] = errors.New("gateway timeout")
	env.invoker.fail["nano-banana-pro"] = errors.New("gateway timeout")

	sess, err := env.sessions.Create(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, env.sessions.SetWorkingMedia(ctx, sess.ID, models.MediaRef{
		URL: "https://cdn.example.com/dragon.png", Kind: models.MediaKindImage,
	}))

	result, err := env.orch.Process(ctx, models.GenerationRequest{
		UserID: 7, Prompt: "upscale it", SessionID: sess.ID,
	})
	var unavailable *ProviderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"clarity-upscale", "nano-banana-pro"}, unavailable.Attempted)
	assert.False(t, result.Success)
	assert.Equal(t, 0, env.countReason(t, models.ReasonCharge), "failed generations are never charged")
}

func TestRateLimitRejectsBeforeProviderCall(t *testing.T) {
	env := newEnv(t, envConfig{
		intent: confidentIntent(models.WorkflowNewImage),
		limits: resilience.Limits{PerMinute: 1, PerHour: 100},
	})
	ctx := context.Background()

	result, err := env.orch.Process(ctx, models.GenerationRequest{UserID: 7, Prompt: "generate a dragon"})
	require.NoError(t, err)
	require.True(t, result.Success)

	result, err = env.orch.Process(ctx, models.GenerationRequest{UserID: 7, Prompt: "generate a castle"})
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Positive(t, limited.RetryAfter)
	assert.False(t, result.Success)
	assert.Equal(t, 1, env.invoker.callCount("flux-2"), "rejected request never reaches the provider")
	assert.Equal(t, 1, env.countReason(t, models.ReasonCharge))
}

func TestInsufficientFundsIsTerminal(t *testing.T) {
	env := newEnv(t, envConfig{
		intent:  confidentIntent(models.WorkflowImageToVideo),
		credits: 5, // image-to-video costs 20
	})
	ctx := context.Background()

	sess, err := env.sessions.Create(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, env.sessions.SetWorkingMedia(ctx, sess.ID, models.MediaRef{
		URL: "https://cdn.example.com/dragon.png", Kind: models.MediaKindImage,
	}))

	result, err := env.orch.Process(ctx, models.GenerationRequest{
		UserID: 7, Prompt: "animate it", SessionID: sess.ID,
	})
	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 15, insufficient.Deficit)
	assert.NotEmpty(t, insufficient.Guidance)
	assert.False(t, result.Success)
	assert.Equal(t, 0, env.invoker.callCount("kling-2.1"), "no provider call without funds")
}

func TestStorageFailureRefundsCharge(t *testing.T) {
	env := newEnv(t, envConfig{
		intent: confidentIntent(models.WorkflowNewImage),
		media:  failingMediaStore{},
	})
	ctx := context.Background()

	result, err := env.orch.Process(ctx, models.GenerationRequest{UserID: 7, Prompt: "generate a dragon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist output")
	assert.False(t, result.Success)

	assert.Equal(t, 1, env.countReason(t, models.ReasonCharge))
	assert.Equal(t, 1, env.countReason(t, models.ReasonRefund))
	balance, err := env.ledger.CheckAvailability(ctx, 7, models.WorkflowNewImage)
	require.NoError(t, err)
	assert.Equal(t, 100, balance.Balance, "refund restores the full balance")
}

func TestVideoOutputKindAndDuration(t *testing.T) {
	env := newEnv(t, envConfig{intent: confidentIntent(models.WorkflowTextToVideo)})

	result, err := env.orch.Process(context.Background(), models.GenerationRequest{
		UserID: 7, Prompt: "a video of waves at sunset",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "veo-3", result.ModelUsed)
	require.NotNil(t, result.OutputMedia)
	assert.Equal(t, models.MediaKindVideo, result.OutputMedia.Kind)

	// 8 seconds at 4 credits per second.
	for _, tx := range env.transactions(t) {
		if tx.Reason == models.ReasonCharge {
			assert.Equal(t, -32, tx.Delta)
		}
	}
}
