package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// gatedStore holds role lookups until release is closed.
type gatedStore struct {
	*docstore.MemoryStore
	release chan struct{}
	fail    error
}

func (g *gatedStore) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if collection == models.CollectionUserRoles {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if g.fail != nil {
			return nil, g.fail
		}
	}
	return g.MemoryStore.Get(ctx, collection, id)
}

type roleChange struct {
	userID string
	role   *models.UserRole
}

type roleRecorder struct {
	mu      sync.Mutex
	changes []roleChange
}

func (r *roleRecorder) listen(userID string, role *models.UserRole) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, roleChange{userID: userID, role: role})
}

func (r *roleRecorder) all() []roleChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]roleChange(nil), r.changes...)
}

func TestIdentityServiceResolve(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedRole(t, store, "u1", models.RoleTeacher)
	svc := NewIdentityService(store, nil, nil, nil, time.Minute)
	rec := &roleRecorder{}
	svc.OnChange(rec.listen)

	role, err := svc.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, models.RoleTeacher, *role)
	assert.Equal(t, RoleState{Resolved: true, Role: role}, svc.State("u1"))

	_, err = svc.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1, "unchanged role must not notify twice")

	_, err = svc.Resolve(context.Background(), "")
	requireCode(t, err, appErrors.ErrUnauthorized)
}

func TestIdentityServiceMissingAndMalformedRole(t *testing.T) {
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), models.CollectionUserRoles, "bad", docstore.Fields{
		"user_id": "bad",
		"role":    "parent",
	}))
	svc := NewIdentityService(store, nil, nil, nil, time.Minute)

	role, err := svc.Resolve(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, role)
	assert.True(t, svc.State("ghost").Resolved)

	role, err = svc.Resolve(context.Background(), "bad")
	require.NoError(t, err)
	assert.Nil(t, role)
}

func TestIdentityServiceRoleChangeNotifies(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedRole(t, store, "u1", models.RoleStudent)
	svc := NewIdentityService(store, nil, nil, nil, time.Minute)
	rec := &roleRecorder{}
	svc.OnChange(rec.listen)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "u1")
	require.NoError(t, err)
	seedRole(t, store, "u1", models.RoleAdmin)
	role, err := svc.HandleAuthEvent(ctx, "u1", AuthTokenRefreshed)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, *role)

	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, models.RoleAdmin, *changes[1].role)
}

func TestIdentityServiceWaitSharesInflightLookup(t *testing.T) {
	store := &gatedStore{MemoryStore: docstore.NewMemoryStore(), release: make(chan struct{})}
	seedRole(t, store.MemoryStore, "u1", models.RoleStudent)
	svc := NewIdentityService(store, nil, nil, nil, time.Minute)
	ctx := context.Background()

	go func() { _, _ = svc.Resolve(ctx, "u1") }()
	require.Eventually(t, func() bool { return svc.State("u1").Loading }, time.Second, 5*time.Millisecond)

	done := make(chan *models.UserRole, 1)
	go func() {
		role, err := svc.Wait(ctx, "u1")
		assert.NoError(t, err)
		done <- role
	}()

	select {
	case <-done:
		t.Fatal("wait returned before the lookup finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	select {
	case role := <-done:
		require.NotNil(t, role)
		assert.Equal(t, models.RoleStudent, *role)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
	assert.False(t, svc.State("u1").Loading)
}

func TestIdentityServiceWaitSurfacesFailure(t *testing.T) {
	store := &gatedStore{MemoryStore: docstore.NewMemoryStore(), release: make(chan struct{}), fail: errors.New("unavailable")}
	svc := NewIdentityService(store, nil, nil, nil, time.Minute)
	ctx := context.Background()

	go func() { _, _ = svc.Resolve(ctx, "u1") }()
	require.Eventually(t, func() bool { return svc.State("u1").Loading }, time.Second, 5*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Wait(ctx, "u1")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	select {
	case err := <-errc:
		requireCode(t, err, appErrors.ErrInternal)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
	assert.False(t, svc.State("u1").Resolved)
}

func TestIdentityServiceSignOutDuringLookup(t *testing.T) {
	store := &gatedStore{MemoryStore: docstore.NewMemoryStore(), release: make(chan struct{})}
	seedRole(t, store.MemoryStore, "u1", models.RoleTeacher)
	svc := NewIdentityService(store, nil, nil, nil, time.Minute)
	rec := &roleRecorder{}
	svc.OnChange(rec.listen)
	ctx := context.Background()

	resolved := make(chan struct{})
	go func() {
		_, _ = svc.Resolve(ctx, "u1")
		close(resolved)
	}()
	require.Eventually(t, func() bool { return svc.State("u1").Loading }, time.Second, 5*time.Millisecond)

	_, err := svc.HandleAuthEvent(ctx, "u1", AuthSignedOut)
	require.NoError(t, err)
	close(store.release)
	<-resolved

	assert.Equal(t, RoleState{}, svc.State("u1"), "late lookup must not resurrect a signed-out principal")
	changes := rec.all()
	require.Len(t, changes, 1)
	assert.Nil(t, changes[0].role)
}

func TestIdentityServiceUsesCache(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedRole(t, store, "u1", models.RoleStudent)
	repo := newFakeCacheRepo()
	metrics := NewMetricsService()
	cache := NewCacheService(repo, metrics, time.Minute, nil, true)
	svc := NewIdentityService(store, cache, nil, nil, time.Minute)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, repo.has("role:u1"))

	require.NoError(t, store.Delete(ctx, models.CollectionUserRoles, "u1"))
	role, err := svc.Resolve(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, role, "cached role is served until invalidated")

	svc.Forget(ctx, "u1")
	assert.False(t, repo.has("role:u1"))
	role, err = svc.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, role)
	assert.InDelta(t, 1.0/3.0, metrics.Snapshot().CacheHitRatio, 0.001)
}

func TestIdentityServiceCacheWriteFailureIsLogged(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedRole(t, store, "u1", models.RoleStudent)
	repo := newFakeCacheRepo()
	repo.failSet = errors.New("redis down")
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	svc := NewIdentityService(store, NewCacheService(repo, nil, time.Minute, nil, true), nil, logger, time.Minute)

	role, err := svc.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, models.RoleStudent, *role)
	assert.False(t, repo.has("role:u1"))
	assert.Equal(t, 1, logs.FilterMessage("role cache write failed").Len())
}
