package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextBatch(t *testing.T, sub Subscription) Batch {
	t.Helper()
	select {
	case b, ok := <-sub.Batches():
		require.True(t, ok, "subscription closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return Batch{}
}

func TestMemoryStoreSubscribeDeliversInitialThenChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Add(ctx, "topics", Fields{"course_id": "c1", "title": "Intro"})
	require.NoError(t, err)
	_, err = store.Add(ctx, "topics", Fields{"course_id": "c2", "title": "Other"})
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, NewQuery("topics", Eq("course_id", "c1")))
	require.NoError(t, err)
	defer sub.Close()

	initial := nextBatch(t, sub)
	assert.True(t, initial.Initial)
	require.Len(t, initial.Added, 1)
	assert.Equal(t, "Intro", initial.Added[0].String("title"))

	id, err := store.Add(ctx, "topics", Fields{"course_id": "c1", "title": "Week 2"})
	require.NoError(t, err)
	added := nextBatch(t, sub)
	require.Len(t, added.Added, 1)
	assert.Equal(t, id, added.Added[0].ID)

	require.NoError(t, store.Set(ctx, "topics", id, Fields{"course_id": "c1", "title": "Week 2 (rev)"}))
	modified := nextBatch(t, sub)
	require.Len(t, modified.Modified, 1)
	assert.Equal(t, "Week 2 (rev)", modified.Modified[0].String("title"))

	require.NoError(t, store.Set(ctx, "topics", id, Fields{"course_id": "c9", "title": "moved"}))
	left := nextBatch(t, sub)
	require.Len(t, left.Removed, 1)
	assert.Equal(t, id, left.Removed[0].ID)
}

func TestMemoryStoreDeleteProducesRemoval(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id, err := store.Add(ctx, "enrollments", Fields{"student_id": "s1", "course_id": "c1"})
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, NewQuery("enrollments", Eq("student_id", "s1")))
	require.NoError(t, err)
	defer sub.Close()
	nextBatch(t, sub)

	require.NoError(t, store.Delete(ctx, "enrollments", id))
	b := nextBatch(t, sub)
	require.Len(t, b.Removed, 1)
	assert.Equal(t, "c1", b.Removed[0].String("course_id"))

	assert.ErrorIs(t, store.Delete(ctx, "enrollments", id), ErrNotFound)
}

func TestMemoryStoreCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, "enrollments", "s1_c1", Fields{"student_id": "s1"}))
	assert.ErrorIs(t, store.Create(ctx, "enrollments", "s1_c1", Fields{"student_id": "s1"}), ErrAlreadyExists)

	n, err := store.Count(ctx, NewQuery("enrollments", Eq("student_id", "s1")))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStoreServerTimestampAndOrdering(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	first, err := store.Add(ctx, "alerts", Fields{"title": "a", "created_at": ServerTimestamp})
	require.NoError(t, err)
	second, err := store.Add(ctx, "alerts", Fields{"title": "b", "created_at": ServerTimestamp})
	require.NoError(t, err)

	docs, err := store.Query(ctx, NewQuery("alerts").Ordered("created_at", true))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, second, docs[0].ID)
	assert.Equal(t, first, docs[1].ID)
	assert.IsType(t, time.Time{}, docs[0].Data["created_at"])
}

func TestMemoryStoreCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sub, err := store.Subscribe(ctx, NewQuery("courses"))
	require.NoError(t, err)
	nextBatch(t, sub)
	assert.Equal(t, 1, store.Subscriptions())

	sub.Close()
	_, open := <-sub.Batches()
	assert.False(t, open)
	assert.Equal(t, 0, store.Subscriptions())

	store.Close()
	_, err = store.Query(ctx, NewQuery("courses"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreFailWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")
	store.FailWrite = func(collection string, fields Fields) error {
		if fields["student_id"] == "s2" {
			return boom
		}
		return nil
	}
	_, err := store.Add(ctx, "attendance", Fields{"student_id": "s1"})
	require.NoError(t, err)
	_, err = store.Add(ctx, "attendance", Fields{"student_id": "s2"})
	assert.ErrorIs(t, err, boom)
}

func TestDocumentDecode(t *testing.T) {
	doc := Document{Collection: "courses", ID: "c1", Data: Fields{"course_name": "Algorithms", "course_code": "CS201"}}
	var out struct {
		ID   string `json:"id"`
		Name string `json:"course_name"`
		Code string `json:"course_code"`
	}
	require.NoError(t, doc.Decode(&out))
	assert.Equal(t, "c1", out.ID)
	assert.Equal(t, "Algorithms", out.Name)
	assert.Equal(t, "CS201", out.Code)
}

func TestFeedPreservesOrderAcrossBurst(t *testing.T) {
	feed := NewFeed(nil)
	defer feed.Close()
	for i := 0; i < 50; i++ {
		feed.Push(Batch{Added: []Document{{ID: string(rune('a' + i%26))}}, Initial: i == 0})
	}
	first := <-feed.Batches()
	assert.True(t, first.Initial)
	for i := 1; i < 50; i++ {
		b := <-feed.Batches()
		assert.Equal(t, string(rune('a'+i%26)), b.Added[0].ID)
	}
	feed.Close()
	assert.False(t, feed.Push(Batch{}))
}
