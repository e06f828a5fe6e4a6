// Package docstore defines the document store contract the sync engines and
// mutation services depend on: collection queries, point reads, live change
// subscriptions, count aggregation and writes. Drivers live in this package
// (in-memory) and in internal/repository (PostgreSQL).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get and Delete for an unknown document.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("docstore: document already exists")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("docstore: store closed")
)

// Fields is the raw, schema-less content of a document.
type Fields map[string]interface{}

type serverTimestamp struct{}

// ServerTimestamp is a sentinel field value replaced by the store's clock at write time.
var ServerTimestamp = serverTimestamp{}

// Document is one stored record.
type Document struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Data       Fields    `json:"data"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// Decode copies the document fields into dest (a pointer to a struct with json
// tags) and sets its "id" field from the document id.
func (d Document) Decode(dest interface{}) error {
	payload := make(map[string]interface{}, len(d.Data)+1)
	for k, v := range d.Data {
		payload[k] = v
	}
	payload["id"] = d.ID
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", d.Collection, d.ID, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// String returns a field rendered as a string, or "" when absent.
func (d Document) String(field string) string {
	v, ok := d.Data[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Predicate is an equality filter on a top-level field.
type Predicate struct {
	Field string
	Value interface{}
}

// Eq builds an equality predicate.
func Eq(field string, value interface{}) Predicate {
	return Predicate{Field: field, Value: value}
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Where      []Predicate
	OrderBy    string
	Descending bool
}

// NewQuery starts a query on collection with the given predicates.
func NewQuery(collection string, where ...Predicate) Query {
	return Query{Collection: collection, Where: where}
}

// Ordered returns a copy of q sorted by field.
func (q Query) Ordered(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

// Matches reports whether doc satisfies every predicate of q.
func (q Query) Matches(doc Document) bool {
	if doc.Collection != q.Collection {
		return false
	}
	for _, p := range q.Where {
		v, ok := doc.Data[p.Field]
		if !ok || !valuesEqual(v, p.Value) {
			return false
		}
	}
	return true
}

// String renders the query for logs and metric labels.
func (q Query) String() string {
	parts := make([]string, 0, len(q.Where))
	for _, p := range q.Where {
		parts = append(parts, fmt.Sprintf("%s==%v", p.Field, p.Value))
	}
	return fmt.Sprintf("%s[%s]", q.Collection, strings.Join(parts, ","))
}

// Batch is one delivery from a live subscription. The first batch of every
// subscription has Initial set and carries the full matching set in Added.
type Batch struct {
	Initial  bool
	Added    []Document
	Modified []Document
	Removed  []Document
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.Added) == 0 && len(b.Modified) == 0 && len(b.Removed) == 0
}

// Subscription is a lazy, infinite, non-restartable sequence of batches. The
// channel is closed once Close is called or the store shuts down.
type Subscription interface {
	Batches() <-chan Batch
	Close()
}

// Store is the remote document store contract.
type Store interface {
	Query(ctx context.Context, q Query) ([]Document, error)
	Get(ctx context.Context, collection, id string) (*Document, error)
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	Count(ctx context.Context, q Query) (int, error)
	// Add stores a new document under a generated id.
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	// Create stores a document under id, failing with ErrAlreadyExists if taken.
	Create(ctx context.Context, collection, id string, fields Fields) error
	// Set replaces the whole document under id, creating it when absent.
	Set(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error
}

// ResolveFields returns a copy of fields with ServerTimestamp sentinels replaced by now.
func ResolveFields(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

// SortDocuments orders docs by field, falling back to id for ties and gaps.
func SortDocuments(docs []Document, field string, descending bool) {
	if field == "" {
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i].Data[field], docs[j].Data[field])
		if c == 0 {
			return docs[i].ID < docs[j].ID
		}
		if descending {
			return c > 0
		}
		return c < 0
	})
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b interface{}) int {
	ta, aok := asTime(a)
	tb, bok := asTime(b)
	if aok && bok {
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		}
		return 0
	}
	fa, aok := a.(float64)
	fb, bok := b.(float64)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
