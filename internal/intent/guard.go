package intent

import (
	"context"

	"github.com/digkill/mediaroute/internal/models"
	"github.com/digkill/mediaroute/internal/resilience"
)

// GuardedProvider routes classification calls through a circuit breaker
// so a failing classification service short-circuits instead of
// stacking timeouts. Breaker rejections surface as ordinary provider
// errors and feed the classifier's fallback path.
type GuardedProvider struct {
	inner   Provider
	breaker *resilience.CircuitBreaker
}

func NewGuardedProvider(inner Provider, breaker *resilience.CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{inner: inner, breaker: breaker}
}

func (g *GuardedProvider) Classify(ctx context.Context, prompt string, pctx PromptContext) (*models.IntentClassification, error) {
	var result *models.IntentClassification
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = g.inner.Classify(ctx, prompt, pctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
