package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/syncengine"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

type fakeEngine struct {
	id   syncengine.Identity
	done chan struct{}
	once sync.Once
}

func (e *fakeEngine) Identity() syncengine.Identity { return e.id }
func (e *fakeEngine) Snapshot() *syncengine.Snapshot {
	return &syncengine.Snapshot{Role: e.id.Role, UserID: e.id.UserID}
}
func (e *fakeEngine) Watch() (<-chan syncengine.Event, func()) {
	return make(chan syncengine.Event), func() {}
}
func (e *fakeEngine) Dismiss(string)        {}
func (e *fakeEngine) Select(string)         {}
func (e *fakeEngine) Close()                { e.once.Do(func() { close(e.done) }) }
func (e *fakeEngine) Done() <-chan struct{} { return e.done }

func (e *fakeEngine) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

type dashboardFixture struct {
	store    *docstore.MemoryStore
	identity *IdentityService
	metrics  *MetricsService
	svc      *DashboardService

	mu      sync.Mutex
	engines []*fakeEngine
}

func newDashboardFixture(t *testing.T) *dashboardFixture {
	t.Helper()
	f := &dashboardFixture{store: docstore.NewMemoryStore(), metrics: NewMetricsService()}
	f.identity = NewIdentityService(f.store, nil, nil, nil, time.Minute)
	f.svc = NewDashboardService(DashboardServiceParams{
		Identity: f.identity,
		Engine:   syncengine.Options{Store: f.store},
		Metrics:  f.metrics,
		Config:   DashboardServiceConfig{IdleTTL: time.Minute, JanitorInterval: time.Hour},
	})
	f.svc.newEngine = func(ctx context.Context, id syncengine.Identity, opts syncengine.Options) (syncengine.Engine, error) {
		e := &fakeEngine{id: id, done: make(chan struct{})}
		f.mu.Lock()
		f.engines = append(f.engines, e)
		f.mu.Unlock()
		return e, nil
	}
	t.Cleanup(f.svc.Shutdown)
	return f
}

func TestDashboardServiceOpenAndGet(t *testing.T) {
	f := newDashboardFixture(t)
	seedRole(t, f.store, "u1", models.RoleTeacher)

	session, err := f.svc.Open(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleTeacher, session.Identity().Role)
	assert.EqualValues(t, 1, f.metrics.Snapshot().OpenSessions)

	got, err := f.svc.Get("u1", session.ID)
	require.NoError(t, err)
	assert.Same(t, session, got)

	_, err = f.svc.Get("u2", session.ID)
	requireCode(t, err, appErrors.ErrNotFound)

	assert.Equal(t, []string{session.ID}, f.svc.Sessions("u1"))
	require.NoError(t, f.svc.Close("u1", session.ID))
	assert.True(t, f.engines[0].closed())
	assert.EqualValues(t, 0, f.metrics.Snapshot().OpenSessions)
}

func TestDashboardServiceOpenWithoutRole(t *testing.T) {
	f := newDashboardFixture(t)

	_, err := f.svc.Open(context.Background(), "nobody")
	requireCode(t, err, appErrors.ErrNoRole)
	assert.Empty(t, f.engines)
}

func TestDashboardServiceGetReportsStoppedEngine(t *testing.T) {
	f := newDashboardFixture(t)
	seedRole(t, f.store, "u1", models.RoleStudent)
	session, err := f.svc.Open(context.Background(), "u1")
	require.NoError(t, err)

	f.engines[0].Close()
	_, err = f.svc.Get("u1", session.ID)
	requireCode(t, err, appErrors.ErrSessionClosed)
	assert.Empty(t, f.svc.Sessions("u1"))
}

func TestDashboardServiceRoleChangeClosesSessions(t *testing.T) {
	f := newDashboardFixture(t)
	seedRole(t, f.store, "u1", models.RoleStudent)
	seedRole(t, f.store, "u2", models.RoleStudent)
	ctx := context.Background()

	first, err := f.svc.Open(ctx, "u1")
	require.NoError(t, err)
	other, err := f.svc.Open(ctx, "u2")
	require.NoError(t, err)

	seedRole(t, f.store, "u1", models.RoleTeacher)
	_, err = f.identity.HandleAuthEvent(ctx, "u1", AuthTokenRefreshed)
	require.NoError(t, err)

	_, err = f.svc.Get("u1", first.ID)
	requireCode(t, err, appErrors.ErrNotFound)
	_, err = f.svc.Get("u2", other.ID)
	require.NoError(t, err)

	reopened, err := f.svc.Open(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleTeacher, reopened.Identity().Role)

	_, err = f.identity.HandleAuthEvent(ctx, "u1", AuthSignedOut)
	require.NoError(t, err)
	assert.Empty(t, f.svc.Sessions("u1"))
}

func TestDashboardServiceSweepClosesIdleSessions(t *testing.T) {
	f := newDashboardFixture(t)
	seedRole(t, f.store, "u1", models.RoleAdmin)
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	stale, err := f.svc.Open(context.Background(), "u1")
	require.NoError(t, err)
	now = now.Add(45 * time.Second)
	fresh, err := f.svc.Open(context.Background(), "u1")
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, f.svc.Sweep())
	assert.Equal(t, []string{fresh.ID}, f.svc.Sessions("u1"))
	_, err = f.svc.Get("u1", stale.ID)
	requireCode(t, err, appErrors.ErrNotFound)
}

func TestSessionTrackRaisesLoadingAndToasts(t *testing.T) {
	f := newDashboardFixture(t)
	seedRole(t, f.store, "u1", models.RoleTeacher)
	session, err := f.svc.Open(context.Background(), "u1")
	require.NoError(t, err)

	events, cancel := session.Watch()
	defer cancel()

	err = session.Track("create_topic", func() error {
		assert.Equal(t, map[string]bool{"create_topic": true}, session.Loading())
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, session.Loading())

	failure := appErrors.Clone(appErrors.ErrConflict, "already enrolled")
	err = session.Track("enroll", func() error { return failure })
	require.ErrorIs(t, err, appErrors.ErrConflict)

	var toasts []*Toast
	for len(toasts) < 2 {
		select {
		case ev := <-events:
			if ev.Kind == SessionEventToast {
				toasts = append(toasts, ev.Toast)
			}
		case <-time.After(time.Second):
			t.Fatal("missing toast")
		}
	}
	assert.Equal(t, ToastSuccess, toasts[0].Level)
	assert.Equal(t, ToastError, toasts[1].Level)
	assert.Equal(t, "already enrolled", toasts[1].Message)
	assert.Equal(t, appErrors.ErrConflict.Code, toasts[1].Code)
}

func TestSessionWatchClosesWithSession(t *testing.T) {
	f := newDashboardFixture(t)
	seedRole(t, f.store, "u1", models.RoleStudent)
	session, err := f.svc.Open(context.Background(), "u1")
	require.NoError(t, err)

	events, _ := session.Watch()
	require.NoError(t, f.svc.Close("u1", session.ID))
	_, ok := <-events
	assert.False(t, ok)
}

func TestDashboardServiceEngineFailure(t *testing.T) {
	f := newDashboardFixture(t)
	seedRole(t, f.store, "u1", models.RoleStudent)
	f.svc.newEngine = func(context.Context, syncengine.Identity, syncengine.Options) (syncengine.Engine, error) {
		return nil, errors.New("subscribe failed")
	}

	_, err := f.svc.Open(context.Background(), "u1")
	requireCode(t, err, appErrors.ErrInternal)
}

func TestDashboardServiceOpensRealEngine(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedRole(t, store, "t1", models.RoleTeacher)
	seedCourse(t, store, "c1", "CS201", "t1")
	metrics := NewMetricsService()
	svc := NewDashboardService(DashboardServiceParams{
		Identity: NewIdentityService(store, nil, nil, nil, time.Minute),
		Engine:   syncengine.Options{Store: store},
		Metrics:  metrics,
	})
	defer svc.Shutdown()

	session, err := svc.Open(context.Background(), "t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := session.Engine().Snapshot()
		return snap != nil && !snap.Loading && snap.Teacher != nil && len(snap.Teacher.Courses) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, metrics.OpenSubscriptions())

	require.NoError(t, svc.Close("t1", session.ID))
	require.Eventually(t, func() bool { return metrics.OpenSubscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}
