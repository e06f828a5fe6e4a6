package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

var fixedNow = time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)

type fakeBlobs struct {
	mu       sync.Mutex
	uploads  map[string][]byte
	types    map[string]string
	deleted  []string
	failWith error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{uploads: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeBlobs) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	f.uploads[path] = data
	f.types[path] = contentType
	return f.URL(path), nil
}

func (f *fakeBlobs) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	delete(f.uploads, path)
	return nil
}

func (f *fakeBlobs) URL(path string) string {
	return "https://blobs.test/" + path
}

type fakeCacheRepo struct {
	mu      sync.Mutex
	entries map[string]interface{}
	deleted []string
	failSet error
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{entries: make(map[string]interface{})}
}

func (f *fakeCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	switch d := dest.(type) {
	case *roleCacheEntry:
		*d = v.(roleCacheEntry)
	case *string:
		*d = v.(string)
	default:
		return errors.New("unsupported cache destination")
	}
	return nil
}

func (f *fakeCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	f.entries[key] = value
	return nil
}

func (f *fakeCacheRepo) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
		f.deleted = append(f.deleted, k)
	}
	return nil
}

func (f *fakeCacheRepo) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func newDeps(store docstore.Store, blobs *fakeBlobs) MutationDeps {
	deps := MutationDeps{Store: store, Metrics: NewMetricsService(), Now: func() time.Time { return fixedNow }}
	if blobs != nil {
		deps.Blobs = blobs
	}
	return deps
}

func seedRole(t *testing.T, store docstore.Store, userID string, role models.UserRole) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), models.CollectionUserRoles, userID, docstore.Fields{
		"user_id": userID,
		"role":    string(role),
	}))
}

func seedCourse(t *testing.T, store docstore.Store, id, code, teacher string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), models.CollectionCourses, id, docstore.Fields{
		"course_name": "Course " + code,
		"course_code": code,
		"teacher_id":  teacher,
		"created_at":  docstore.ServerTimestamp,
	}))
}

func seedEnrollment(t *testing.T, store docstore.Store, student, course string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), models.CollectionEnrollments, models.EnrollmentID(student, course), docstore.Fields{
		"student_id": student,
		"course_id":  course,
		"created_at": docstore.ServerTimestamp,
	}))
}

func requireCode(t *testing.T, err error, sentinel *appErrors.Error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
}
