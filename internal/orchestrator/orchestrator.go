package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/mediaroute/internal/intent"
	"github.com/digkill/mediaroute/internal/ledger"
	"github.com/digkill/mediaroute/internal/models"
	"github.com/digkill/mediaroute/internal/provider"
	"github.com/digkill/mediaroute/internal/resilience"
	"github.com/digkill/mediaroute/internal/selector"
	"github.com/digkill/mediaroute/internal/session"
)

// ErrNoEditTarget is returned when an edit-type workflow has nothing to
// edit: no explicit media, no session working media, no upload.
var ErrNoEditTarget = errors.New("nothing to edit: no working media in this conversation")

// RateLimitedError rejects a request before any external call, carrying
// the computed wait.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry in %s", e.Reason, e.RetryAfter.Round(time.Second))
}

// ProviderUnavailableError summarizes exhausted fallbacks without
// leaking the underlying provider error verbatim.
type ProviderUnavailableError struct {
	Attempted []string
	last      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("generation unavailable: all %d models failed or were short-circuited", len(e.Attempted))
}

func (e *ProviderUnavailableError) Unwrap() error { return e.last }

// MediaStore persists provider output into stable storage. Optional:
// without one, the provider's own URL is returned.
type MediaStore interface {
	Mirror(ctx context.Context, srcURL string, kind models.MediaKind) (*models.MediaRef, error)
}

// Orchestrator composes the pipeline: session continuity, intent
// classification, model selection, credit admission, resilient
// invocation, and commit.
type Orchestrator struct {
	log        *slog.Logger
	sessions   session.Store
	classifier *intent.Classifier
	selector   *selector.Selector
	ledger     *ledger.Ledger
	limiter    resilience.RateLimiter
	invoker    provider.Invoker
	breakers   *resilience.BreakerGroup
	media      MediaStore
}

func New(
	log *slog.Logger,
	sessions session.Store,
	classifier *intent.Classifier,
	sel *selector.Selector,
	led *ledger.Ledger,
	limiter resilience.RateLimiter,
	invoker provider.Invoker,
	breakers *resilience.BreakerGroup,
	media MediaStore,
) *Orchestrator {
	return &Orchestrator{
		log:        log,
		sessions:   sessions,
		classifier: classifier,
		selector:   sel,
		ledger:     led,
		limiter:    limiter,
		invoker:    invoker,
		breakers:   breakers,
		media:      media,
	}
}

// Process runs one request through the pipeline. The returned result is
// always non-nil; terminal failures also return a typed error so the
// transport layer can map a status code.
func (o *Orchestrator) Process(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error) {
	generationID := uuid.NewString()
	result := &models.GenerationResult{
		GenerationID:    generationID,
		ImageSourceType: models.SourceNone,
	}

	// 1. Resolve session and continuity. An unknown session id starts a
	// fresh session rather than failing.
	sess, err := o.resolveSession(ctx, req)
	if err != nil {
		return o.fail(result, err)
	}
	result.SessionID = sess.ID

	target, source := session.ResolveContinuity(req, sess)
	result.ImageSourceType = source

	// 2. Admission control happens before any external call.
	decision, err := o.limiter.Allow(ctx, req.UserID)
	if err != nil {
		return o.fail(result, fmt.Errorf("rate limiter: %w", err))
	}
	if !decision.Allowed {
		return o.fail(result, &RateLimitedError{Reason: decision.Reason, RetryAfter: decision.RetryAfter})
	}

	// 3. Classify. Never fails; internal failures degrade to the
	// deterministic fallback.
	pctx := intent.PromptContext{
		UploadCount: len(req.UploadedMedia),
	}
	if target != nil {
		pctx.HasWorkingImage = target.Kind == models.MediaKindImage
		pctx.HasWorkingVideo = target.Kind == models.MediaKindVideo
	}
	classification := o.classifier.Classify(ctx, req.Prompt, pctx)
	o.log.Info("intent classified",
		"generation_id", generationID,
		"workflow", classification.Workflow,
		"confidence", classification.Confidence,
	)

	if classification.Workflow.IsEdit() && target == nil {
		return o.fail(result, ErrNoEditTarget)
	}

	// 4. Select model. No route is terminal.
	sel, err := o.selector.Select(classification, req.QualityPriority)
	if err != nil {
		return o.fail(result, err)
	}

	// 5. Verify funds up front; the atomic re-check happens at charge time.
	avail, err := o.ledger.CheckAvailability(ctx, req.UserID, classification.Workflow)
	if err != nil {
		return o.fail(result, err)
	}
	if !avail.Sufficient {
		return o.fail(result, &ledger.InsufficientFundsError{
			Balance:  avail.Balance,
			Required: avail.Required,
			Deficit:  avail.Deficit,
			Guidance: avail.Guidance,
		})
	}
	if err := o.limiter.RecordCost(ctx, req.UserID, sel.EstimatedCost); err != nil {
		o.log.Warn("record cost window failed", "err", err)
	}

	// 6. Invoke through the breaker, walking fallbacks in order.
	invocation, modelUsed, err := o.invoke(ctx, sel, req.Prompt, target)
	if err != nil {
		return o.fail(result, err)
	}
	result.ModelUsed = modelUsed
	result.ExecutionTime = invocation.Elapsed

	// 7. Commit: charge exactly once, persist output, update session.
	if _, err := o.ledger.Charge(ctx, req.UserID, classification.Workflow, generationID, modelUsed); err != nil {
		return o.fail(result, err)
	}

	outputKind := models.MediaKindImage
	if classification.Workflow.IsVideo() {
		outputKind = models.MediaKindVideo
	}
	output := &models.MediaRef{URL: invocation.OutputURL, Kind: outputKind}
	if o.media != nil {
		mirrored, err := o.media.Mirror(ctx, invocation.OutputURL, outputKind)
		if err != nil {
			// Charged but nothing deliverable: compensate and fail.
			if _, refundErr := o.ledger.Refund(ctx, generationID); refundErr != nil {
				o.log.Error("refund after storage failure failed", "generation_id", generationID, "err", refundErr)
			}
			return o.fail(result, fmt.Errorf("persist output: %w", err))
		}
		output = mirrored
	}

	if err := o.sessions.SetWorkingMedia(ctx, sess.ID, *output); err != nil {
		// Session may have expired mid-flight; the generation itself
		// succeeded, so report success without continuity.
		o.log.Warn("update working media failed", "session_id", sess.ID, "err", err)
	}

	result.Success = true
	result.OutputMedia = output
	return result, nil
}

// Availability exposes the ledger's admission check to the transport layer.
func (o *Orchestrator) Availability(ctx context.Context, userID int64, workflow models.WorkflowType) (ledger.Availability, error) {
	return o.ledger.CheckAvailability(ctx, userID, workflow)
}

// BreakerStates reports per-model breaker states for health endpoints.
func (o *Orchestrator) BreakerStates() map[string]resilience.BreakerState {
	return o.breakers.States()
}

func (o *Orchestrator) resolveSession(ctx context.Context, req models.GenerationRequest) (*models.Session, error) {
	var sess *models.Session
	if req.SessionID != "" {
		existing, err := o.sessions.Get(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		sess = existing
	}
	if sess == nil {
		created, err := o.sessions.Create(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		sess = created
	}
	if len(req.UploadedMedia) > 0 {
		if err := o.sessions.AppendUploads(ctx, sess.ID, req.UploadedMedia); err != nil && !errors.Is(err, session.ErrNotFound) {
			o.log.Warn("record uploads failed", "session_id", sess.ID, "err", err)
		}
	}
	if err := o.sessions.Touch(ctx, sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.log.Warn("touch session failed", "session_id", sess.ID, "err", err)
	}
	return sess, nil
}

// invoke tries the primary then each declared fallback. A timeout
// counts as a retryable failure for breaker accounting and moves on to
// the next model.
func (o *Orchestrator) invoke(ctx context.Context, sel models.ModelSelection, prompt string, target *models.MediaRef) (*provider.InvokeResult, string, error) {
	candidates := append([]string{sel.ModelID}, sel.Fallbacks...)
	params := provider.InvokeParams{
		Prompt:          prompt,
		InputMedia:      target,
		DurationSeconds: sel.VideoSeconds,
	}

	var attempted []string
	var lastErr error
	for _, modelID := range candidates {
		attempted = append(attempted, modelID)
		breaker := o.breakers.For(modelID)

		var invocation *provider.InvokeResult
		err := breaker.Do(ctx, func(callCtx context.Context) error {
			var callErr error
			invocation, callErr = o.invoker.Invoke(callCtx, modelID, params)
			return callErr
		})
		if err == nil {
			return invocation, modelID, nil
		}
		lastErr = err
		o.log.Warn("model invocation failed, trying next fallback",
			"model", modelID,
			"short_circuited", errors.Is(err, resilience.ErrCircuitOpen),
			"err", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", &ProviderUnavailableError{Attempted: attempted, last: lastErr}
}

func (o *Orchestrator) fail(result *models.GenerationResult, err error) (*models.GenerationResult, error) {
	result.Success = false
	result.Error = err.Error()
	return result, err
}
