package stock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheFetchPopulatesAndHits(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (Summary, error) {
		calls++
		return Summary{ProductID: 7, Balance: dec("10")}, nil
	}

	first, err := cache.Fetch(ctx, 7, loader)
	require.NoError(t, err)
	require.True(t, first.Balance.Equal(dec("10")))
	require.Equal(t, 1, calls)
	require.True(t, mr.Exists("stock:summary:7"))

	second, err := cache.Fetch(ctx, 7, loader)
	require.NoError(t, err)
	require.True(t, second.Balance.Equal(first.Balance))
	require.Equal(t, 1, calls, "second read served from cache")
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) (Summary, error) {
		calls++
		return Summary{ProductID: 7, Balance: dec("10")}, nil
	}

	_, err := cache.Fetch(ctx, 7, loader)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, 7))
	require.False(t, mr.Exists("stock:summary:7"))

	_, err = cache.Fetch(ctx, 7, loader)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestCacheFetchLoaderError(t *testing.T) {
	cache, _ := newTestCache(t)

	wantErr := errors.New("boom")
	_, err := cache.Fetch(context.Background(), 7, func(ctx context.Context) (Summary, error) {
		return Summary{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestCacheNilFallsThrough(t *testing.T) {
	var cache *Cache
	s, err := cache.Fetch(context.Background(), 7, func(ctx context.Context) (Summary, error) {
		return Summary{ProductID: 7}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), s.ProductID)
	require.NoError(t, cache.Invalidate(context.Background(), 7))
}
