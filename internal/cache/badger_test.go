package cache

import (
	"context"
	"testing"
	"time"

	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memCache(t *testing.T) *BadgerCache {
	t.Helper()
	c, err := NewBadgerCache(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheSetGet(t *testing.T) {
	t.Parallel()

	c := memCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "https://example.com", []byte("payload"), time.Hour))

	got, err := c.Get(ctx, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	assert.True(t, c.Has(ctx, "https://example.com"))
}

func TestCacheMiss(t *testing.T) {
	t.Parallel()

	c := memCache(t)
	_, err := c.Get(context.Background(), "https://example.com/unknown")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
	assert.False(t, c.Has(context.Background(), "https://example.com/unknown"))
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()

	c := memCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "key"))

	_, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	c := memCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Second))
	time.Sleep(1500 * time.Millisecond)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestCacheClear(t *testing.T) {
	t.Parallel()

	c := memCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, c.Clear())

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestGenerateKeyIsStable(t *testing.T) {
	t.Parallel()

	a := GenerateKey("https://example.com/page")
	b := GenerateKey("https://example.com/page")
	c := GenerateKey("https://example.com/other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
