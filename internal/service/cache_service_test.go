package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheServiceDisabled(t *testing.T) {
	repo := newFakeCacheRepo()
	svc := NewCacheService(repo, nil, 0, nil, false)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", "v", 0))
	assert.False(t, repo.has("k"))
	var out string
	hit, err := svc.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	var nilSvc *CacheService
	assert.False(t, nilSvc.Enabled())
	assert.NoError(t, nilSvc.Invalidate(ctx, "k"))
}

func TestCacheServiceRecordsHitRatio(t *testing.T) {
	repo := newFakeCacheRepo()
	metrics := NewMetricsService()
	svc := NewCacheService(repo, metrics, time.Minute, nil, true)
	ctx := context.Background()

	var out string
	hit, err := svc.Get(ctx, "profile_name:s1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(ctx, "profile_name:s1", "Grace", 0))
	hit, err = svc.Get(ctx, "profile_name:s1", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "Grace", out)

	require.NoError(t, svc.Invalidate(ctx, "profile_name:s1"))
	assert.Equal(t, []string{"profile_name:s1"}, repo.deleted)
	assert.InDelta(t, 0.5, metrics.Snapshot().CacheHitRatio, 0.001)
}
