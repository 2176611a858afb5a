package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	current = current.Add(59 * time.Second)
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	current = current.Add(2 * time.Second)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheOverwrite(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "old", time.Minute))
	require.NoError(t, c.Set(ctx, "k", "new", time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestCacheKeyIsStableAndPartAware(t *testing.T) {
	assert.Equal(t, CacheKey("a", "b"), CacheKey("a", "b"))
	assert.NotEqual(t, CacheKey("a", "b"), CacheKey("b", "a"))
	// Part boundaries matter: "ab"+"c" is not "a"+"bc".
	assert.NotEqual(t, CacheKey("ab", "c"), CacheKey("a", "bc"))
}
