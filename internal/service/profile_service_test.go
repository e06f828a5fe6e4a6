package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

func TestProfileDirectoryName(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, models.CollectionProfiles, "s1", docstore.Fields{"full_name": "Grace Hopper"}))
	require.NoError(t, store.Set(ctx, models.CollectionProfiles, "s2", docstore.Fields{"full_name": "  "}))
	repo := newFakeCacheRepo()
	dir := NewProfileDirectory(store, NewCacheService(repo, nil, time.Minute, nil, true), nil, nil, 1, time.Minute)

	name, err := dir.Name(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", name)
	assert.True(t, repo.has("profile_name:s1"))

	name, err = dir.Name(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", name)

	name, err = dir.Name(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", name)
}

func TestProfileDirectoryLookupDeliversOffCaller(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), models.CollectionProfiles, "s1", docstore.Fields{"full_name": "Grace Hopper"}))
	dir := NewProfileDirectory(store, nil, nil, nil, 2, time.Minute)

	require.Error(t, dir.LookupName("s1", func(string) {}), "lookups before Start are rejected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir.Start(ctx)
	defer dir.Stop()

	got := make(chan string, 1)
	require.NoError(t, dir.LookupName("s1", func(name string) { got <- name }))
	select {
	case name := <-got:
		assert.Equal(t, "Grace Hopper", name)
	case <-time.After(time.Second):
		t.Fatal("name was not delivered")
	}
}

func TestProfileDirectoryResolvesMoreLookupsThanBuffered(t *testing.T) {
	store := docstore.NewMemoryStore()
	const students = 300
	for i := 0; i < students; i++ {
		id := fmt.Sprintf("s%03d", i)
		require.NoError(t, store.Set(context.Background(), models.CollectionProfiles, id, docstore.Fields{"full_name": "Student " + id}))
	}
	dir := NewProfileDirectory(store, nil, nil, nil, 2, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir.Start(ctx)
	defer dir.Stop()

	var mu sync.Mutex
	names := make(map[string]string, students)
	for i := 0; i < students; i++ {
		id := fmt.Sprintf("s%03d", i)
		require.NoError(t, dir.LookupName(id, func(name string) {
			mu.Lock()
			names[id] = name
			mu.Unlock()
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == students
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Student s123", names["s123"])
}

func TestProfileDirectoryCacheWriteFailureIsLogged(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), models.CollectionProfiles, "s1", docstore.Fields{"full_name": "Grace Hopper"}))
	repo := newFakeCacheRepo()
	repo.failSet = errors.New("redis down")
	core, logs := observer.New(zap.WarnLevel)
	dir := NewProfileDirectory(store, NewCacheService(repo, nil, time.Minute, nil, true), nil, zap.New(core), 1, time.Minute)

	name, err := dir.Name(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", name)
	assert.Equal(t, 1, logs.FilterMessage("profile cache write failed").Len())
}
