package coverage_test

import (
	"context"
	"testing"
	"time"

	"orbit-sitecov/internal/coverage"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleSummary() *coverage.Summary {
	return &coverage.Summary{
		ProjectID:       "p1",
		RequiredRoles:   []string{"PI", "LABP"},
		TotalReferences: 2,
		WithLABP:        1,
		MissingRoles:    map[string][]string{"PXL-1": {}, "PXL-2": {"LABP"}},
	}
}

func TestSummaryCache_RoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKVStore()
	c := coverage.NewSummaryCache(kv, time.Minute, zap.NewNop())

	_, err := c.Get(ctx, "p1")
	require.ErrorIs(t, err, coverage.ErrCacheMiss)

	require.NoError(t, c.Put(ctx, sampleSummary()))
	got, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, got.TotalReferences)
	require.Equal(t, []string{"LABP"}, got.MissingRoles["PXL-2"])

	require.NoError(t, c.Invalidate(ctx, "p1"))
	_, err = c.Get(ctx, "p1")
	require.ErrorIs(t, err, coverage.ErrCacheMiss)
}

func TestSummaryCache_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKVStore()
	require.NoError(t, kv.Set(ctx, "sitecov:coverage:p1:summary", []byte("{not json"), 0))

	c := coverage.NewSummaryCache(kv, 0, zap.NewNop())
	_, err := c.Get(ctx, "p1")
	require.ErrorIs(t, err, coverage.ErrCacheMiss)
}

func TestRedisKVStore_WithMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := coverage.NewSummaryCache(coverage.NewRedisKVStore(client), 30*time.Second, zap.NewNop())
	require.NoError(t, c.Put(ctx, sampleSummary()))
	require.True(t, mr.Exists("sitecov:coverage:p1:summary"))
	require.Equal(t, 30*time.Second, mr.TTL("sitecov:coverage:p1:summary"))

	mr.FastForward(31 * time.Second)
	_, err = c.Get(ctx, "p1")
	require.ErrorIs(t, err, coverage.ErrCacheMiss)

	require.NoError(t, c.Put(ctx, sampleSummary()))
	require.NoError(t, c.Invalidate(ctx, "p1"))
	require.False(t, mr.Exists("sitecov:coverage:p1:summary"))
}
