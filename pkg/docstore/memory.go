package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Writes are applied under one lock and
// fanned out to matching subscriptions in commit order.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]map[string]Document
	subs   map[*memorySub]struct{}
	now    func() time.Time
	newID  func() string
	closed bool
	// FailWrite, when set, is consulted before every write; a non-nil return
	// aborts the write. Tests use it to inject store failures.
	FailWrite func(collection string, fields Fields) error
}

type memorySub struct {
	*Feed
	membership *Membership
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for server timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithIDGenerator overrides generated document ids.
func WithIDGenerator(gen func() string) MemoryOption {
	return func(s *MemoryStore) { s.newID = gen }
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:  make(map[string]map[string]Document),
		subs:  make(map[*memorySub]struct{}),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.matchLocked(q), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyDocument(doc)
	return &cp, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, q Query) (int, error) {
	docs, err := s.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Subscribe implements Store. The initial batch is queued before Subscribe
// returns, so no write committed afterwards can be missed.
func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	initial := s.matchLocked(q)
	sub := &memorySub{membership: NewMembership(q, initial)}
	sub.Feed = NewFeed(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	s.subs[sub] = struct{}{}
	sub.Push(Batch{Initial: true, Added: initial})
	return sub, nil
}

// Add implements Store.
func (s *MemoryStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	if err := s.writeLocked(collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[collection][id]; exists {
		return ErrAlreadyExists
	}
	return s.writeLocked(collection, id, fields, false)
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(collection, id, fields, true)
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok := s.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	delete(s.docs[collection], id)
	s.publishLocked(collection, id, nil, &prev)
	return nil
}

// Subscriptions reports the number of open subscriptions.
func (s *MemoryStore) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription and rejects further calls.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*memorySub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *MemoryStore) writeLocked(collection, id string, fields Fields, replace bool) error {
	if s.closed {
		return ErrClosed
	}
	if s.FailWrite != nil {
		if err := s.FailWrite(collection, fields); err != nil {
			return err
		}
	}
	now := s.now()
	doc := Document{Collection: collection, ID: id, Data: ResolveFields(fields, now), CreateTime: now, UpdateTime: now}
	bucket, ok := s.docs[collection]
	if !ok {
		bucket = make(map[string]Document)
		s.docs[collection] = bucket
	}
	var prev *Document
	if existing, ok := bucket[id]; ok {
		if !replace {
			return ErrAlreadyExists
		}
		doc.CreateTime = existing.CreateTime
		prev = &existing
	}
	bucket[id] = doc
	s.publishLocked(collection, id, &doc, prev)
	return nil
}

func (s *MemoryStore) publishLocked(collection, id string, doc, prev *Document) {
	for sub := range s.subs {
		if sub.membership.query.Collection != collection {
			continue
		}
		var after *Document
		if doc != nil {
			cp := copyDocument(*doc)
			after = &cp
		}
		if b := sub.membership.Apply(id, after, prev); !b.Empty() {
			sub.Push(b)
		}
	}
}

func (s *MemoryStore) matchLocked(q Query) []Document {
	out := make([]Document, 0)
	for _, doc := range s.docs[q.Collection] {
		if q.Matches(doc) {
			out = append(out, copyDocument(doc))
		}
	}
	SortDocuments(out, q.OrderBy, q.Descending)
	return out
}

func copyDocument(d Document) Document {
	data := make(Fields, len(d.Data))
	for k, v := range d.Data {
		data[k] = v
	}
	d.Data = data
	return d
}
