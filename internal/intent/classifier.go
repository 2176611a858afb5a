package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/digkill/mediaroute/internal/models"
	"github.com/digkill/mediaroute/internal/resilience"
)

// fallbackConfidence is the fixed confidence assigned to deterministic
// keyword classifications.
const fallbackConfidence = 0.5

// rejectedConfidence is assigned when the safety filter blocks a prompt.
const rejectedConfidence = 0.2

// Config tunes the classifier's retry and cache behaviour.
type Config struct {
	CacheTTL    time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

// Classifier maps (prompt, context) to a workflow type. It never
// returns an error to its caller: any internal failure degrades to the
// deterministic keyword fallback with lower fixed confidence.
type Classifier struct {
	cfg      Config
	provider Provider
	cache    resilience.Cache
	log      *slog.Logger
}

func NewClassifier(cfg Config, provider Provider, cache resilience.Cache, log *slog.Logger) *Classifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	return &Classifier{cfg: cfg, provider: provider, cache: cache, log: log}
}

// Classify resolves the workflow type for a prompt. Order: cache hit,
// injection guard, external call with bounded retries, keyword fallback.
func (c *Classifier) Classify(ctx context.Context, prompt string, pctx PromptContext) models.IntentClassification {
	normalized := normalizePrompt(prompt)
	key := resilience.CacheKey(normalized, pctx.Signature())

	if cached, err := c.cache.Get(ctx, key); err == nil {
		var result models.IntentClassification
		if err := json.Unmarshal([]byte(cached), &result); err == nil && result.Workflow.Valid() {
			return result
		}
	}

	if containsInjection(normalized) {
		c.log.Warn("prompt rejected by safety filter", "prompt_len", len(prompt))
		return models.IntentClassification{
			Workflow:   models.WorkflowNewImage,
			Confidence: rejectedConfidence,
			Reasoning:  "prompt rejected by safety filter; defaulted to new image generation",
		}
	}

	result, err := c.classifyExternal(ctx, prompt, pctx)
	if err != nil {
		c.log.Warn("external classification failed, using keyword fallback", "err", err)
		result = fallbackClassify(normalized, pctx)
	}

	if encoded, err := json.Marshal(result); err == nil {
		// Cache-store failures degrade to a future miss.
		if err := c.cache.Set(ctx, key, string(encoded), c.cfg.CacheTTL); err != nil {
			c.log.Warn("classification cache store failed", "err", err)
		}
	}
	return result
}

// classifyExternal retries the provider with exponential backoff and
// jitter. An out-of-contract response is treated identically to a
// transport failure.
func (c *Classifier) classifyExternal(ctx context.Context, prompt string, pctx PromptContext) (models.IntentClassification, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBase * time.Duration(1<<(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return models.IntentClassification{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		result, err := c.provider.Classify(ctx, prompt, pctx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := validateContract(result); err != nil {
			lastErr = err
			continue
		}
		return *result, nil
	}
	return models.IntentClassification{}, fmt.Errorf("classification failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// validateContract enforces the strict output schema for the
// probabilistic call.
func validateContract(result *models.IntentClassification) error {
	if result == nil {
		return fmt.Errorf("nil classification")
	}
	if !result.Workflow.Valid() {
		return fmt.Errorf("unknown workflow type %q", result.Workflow)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range", result.Confidence)
	}
	return nil
}

// fallbackRule maps keywords to a workflow. Rules are evaluated
// top-to-bottom; the first rule with a substring match wins.
type fallbackRule struct {
	workflow models.WorkflowType
	keywords []string
}

// editRules are checked before generateRules when the context carries
// working media, biasing ambiguous prompts toward edit workflows.
var editRules = []fallbackRule{
	{models.WorkflowUpscaleImage, []string{"upscale", "enhance", "higher resolution", "sharpen"}},
	{models.WorkflowImageToVideo, []string{"animate", "make it move", "bring to life", "into a video", "turn this into a video"}},
	{models.WorkflowEditImage, []string{"edit", "change", "add ", "remove", "replace", "put ", "make it", "make the", "recolor", "fix the"}},
}

var generateRules = []fallbackRule{
	{models.WorkflowTextToVideo, []string{"video of", "film", "clip of", "animation of"}},
	{models.WorkflowNewImage, []string{"generate", "create", "draw", "paint", "picture of", "image of", "photo of"}},
}

// fallbackClassify is the deterministic last resort. Working media in
// context biases toward edit-type workflows over generate-type.
func fallbackClassify(normalized string, pctx PromptContext) models.IntentClassification {
	hasMedia := pctx.HasWorkingImage || pctx.HasWorkingVideo || pctx.UploadCount > 0

	ordered := make([]fallbackRule, 0, len(editRules)+len(generateRules))
	if hasMedia {
		ordered = append(ordered, editRules...)
		ordered = append(ordered, generateRules...)
	} else {
		ordered = append(ordered, generateRules...)
		ordered = append(ordered, editRules...)
	}

	for _, rule := range ordered {
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, kw) {
				return models.IntentClassification{
					Workflow:   rule.workflow,
					Confidence: fallbackConfidence,
					Reasoning:  fmt.Sprintf("keyword fallback: matched %q after external classification failure", kw),
				}
			}
		}
	}

	// No rule matched: default by context.
	workflow := models.WorkflowNewImage
	if pctx.HasWorkingImage {
		workflow = models.WorkflowEditImage
	}
	return models.IntentClassification{
		Workflow:   workflow,
		Confidence: fallbackConfidence,
		Reasoning:  "keyword fallback: no rule matched, context default after external classification failure",
	}
}

func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

// injectionMarkers are structural tokens that have no place in a media
// prompt and indicate an attempt to steer the classifier itself.
var injectionMarkers = []string{
	"<script",
	"ignore previous instructions",
	"ignore all previous",
	"disregard the above",
	"{{",
	"<<sys>>",
	"[inst]",
	"<|im_start|>",
	"system:",
}

func containsInjection(normalized string) bool {
	for _, marker := range injectionMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}
