package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

// DocumentSchema creates the JSONB document table.
const DocumentSchema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
)`

const documentColumns = "collection, id, data, created_at, updated_at"

// Listener is the subset of *pq.Listener the repository needs.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type documentRow struct {
	Collection string    `db:"collection"`
	ID         string    `db:"id"`
	Data       []byte    `db:"data"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r documentRow) document() (docstore.Document, error) {
	fields := docstore.Fields{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &fields); err != nil {
			return docstore.Document{}, fmt.Errorf("decode %s/%s: %w", r.Collection, r.ID, err)
		}
	}
	return docstore.Document{
		Collection: r.Collection,
		ID:         r.ID,
		Data:       fields,
		CreateTime: r.CreatedAt,
		UpdateTime: r.UpdatedAt,
	}, nil
}

type changeNotice struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"`
}

type pgSub struct {
	*docstore.Feed
	query      docstore.Query
	membership *docstore.Membership
}

// DocumentRepository is the PostgreSQL document store driver. Documents live
// in one JSONB table; every write commits a pg_notify on the change channel
// in the same transaction, and a single LISTEN connection fans the changes out
// to live subscriptions in commit order.
type DocumentRepository struct {
	db       *sqlx.DB
	channel  string
	listener Listener
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	// dispatchMu serialises notification handling with subscription setup so
	// a subscriber never misses a commit between its initial query and
	// registration.
	dispatchMu sync.Mutex
	mu         sync.Mutex
	subs       map[*pgSub]struct{}
	listening  bool
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewDocumentRepository builds the driver. listener may be nil, in which case
// Subscribe fails; channel is the NOTIFY channel name.
func NewDocumentRepository(db *sqlx.DB, listener Listener, channel string, logger *zap.Logger) *DocumentRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentRepository{
		db:       db,
		channel:  channel,
		listener: listener,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		subs:     make(map[*pgSub]struct{}),
		stop:     make(chan struct{}),
	}
}

// NewListener dials the LISTEN connection with reconnect backoff.
func NewListener(dsn string, minReconnect, maxReconnect time.Duration, logger *zap.Logger) *pq.Listener {
	return pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Sugar().Warnw("docstore listener event", "event", ev, "error", err)
		}
	})
}

// EnsureSchema creates the document table when missing.
func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, DocumentSchema); err != nil {
		return fmt.Errorf("ensure document schema: %w", err)
	}
	return nil
}

func whereClause(q docstore.Query) (string, []interface{}) {
	args := []interface{}{q.Collection}
	conditions := []string{"collection = $1"}
	for _, p := range q.Where {
		args = append(args, p.Field, fmt.Sprint(p.Value))
		conditions = append(conditions, fmt.Sprintf("data->>$%d = $%d", len(args)-1, len(args)))
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// Query implements docstore.Store.
func (r *DocumentRepository) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	clause, args := whereClause(q)
	query := "SELECT " + documentColumns + " FROM documents" + clause + " ORDER BY id"

	var rows []documentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", q, err)
	}
	docs := make([]docstore.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if q.OrderBy != "" {
		docstore.SortDocuments(docs, q.OrderBy, q.Descending)
	}
	return docs, nil
}

// Get implements docstore.Store.
func (r *DocumentRepository) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	var row documentRow
	query := "SELECT " + documentColumns + " FROM documents WHERE collection = $1 AND id = $2"
	if err := r.db.GetContext(ctx, &row, query, collection, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	doc, err := row.document()
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Count implements docstore.Store.
func (r *DocumentRepository) Count(ctx context.Context, q docstore.Query) (int, error) {
	clause, args := whereClause(q)
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM documents"+clause, args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", q, err)
	}
	return total, nil
}

// Add implements docstore.Store.
func (r *DocumentRepository) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := r.newID()
	query := `INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`
	if _, err := r.write(ctx, collection, id, "add", query, fields); err != nil {
		return "", err
	}
	return id, nil
}

// Create implements docstore.Store.
func (r *DocumentRepository) Create(ctx context.Context, collection, id string, fields docstore.Fields) error {
	query := `INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (collection, id) DO NOTHING`
	affected, err := r.write(ctx, collection, id, "add", query, fields)
	if err != nil {
		return err
	}
	if affected == 0 {
		return docstore.ErrAlreadyExists
	}
	return nil
}

// Set implements docstore.Store.
func (r *DocumentRepository) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	query := `INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	_, err := r.write(ctx, collection, id, "set", query, fields)
	return err
}

// Delete implements docstore.Store.
func (r *DocumentRepository) Delete(ctx context.Context, collection, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return docstore.ErrNotFound
	}
	if err := r.notify(ctx, tx, changeNotice{Collection: collection, ID: id, Op: "delete"}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *DocumentRepository) write(ctx context.Context, collection, id, op, query string, fields docstore.Fields) (int64, error) {
	now := r.now()
	payload, err := json.Marshal(docstore.ResolveFields(fields, now))
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, query, collection, id, payload, now)
	if err != nil {
		return 0, fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, nil
	}
	if err := r.notify(ctx, tx, changeNotice{Collection: collection, ID: id, Op: op}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s/%s: %w", collection, id, err)
	}
	return affected, nil
}

func (r *DocumentRepository) notify(ctx context.Context, tx *sqlx.Tx, notice changeNotice) error {
	raw, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, r.channel, string(raw)); err != nil {
		return fmt.Errorf("notify %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe implements docstore.Store.
func (r *DocumentRepository) Subscribe(ctx context.Context, q docstore.Query) (docstore.Subscription, error) {
	if err := r.ensureListening(); err != nil {
		return nil, err
	}

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	initial, err := r.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	sub := &pgSub{query: q, membership: docstore.NewMembership(q, initial)}
	sub.Feed = docstore.NewFeed(func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	})
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	sub.Push(docstore.Batch{Initial: true, Added: initial})
	return sub, nil
}

// Subscriptions reports the number of open subscriptions.
func (r *DocumentRepository) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *DocumentRepository) ensureListening() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listening {
		return nil
	}
	if r.listener == nil {
		return errors.New("docstore: change listener not configured")
	}
	if err := r.listener.Listen(r.channel); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	r.listening = true
	go r.dispatch()
	return nil
}

func (r *DocumentRepository) dispatch() {
	ch := r.listener.NotificationChannel()
	for {
		select {
		case <-r.stop:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n == nil {
				// connection was re-established; notifications may have been lost
				r.resync()
				continue
			}
			var notice changeNotice
			if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
				r.logger.Sugar().Warnw("malformed change notice", "payload", n.Extra, "error", err)
				continue
			}
			r.apply(notice)
		}
	}
}

func (r *DocumentRepository) subscribers(collection string) []*pgSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pgSub, 0)
	for sub := range r.subs {
		if collection == "" || sub.query.Collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

func (r *DocumentRepository) apply(notice changeNotice) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	subs := r.subscribers(notice.Collection)
	if len(subs) == 0 {
		return
	}
	var doc *docstore.Document
	if notice.Op != "delete" {
		got, err := r.Get(context.Background(), notice.Collection, notice.ID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			r.logger.Sugar().Warnw("fetch changed document", "collection", notice.Collection, "id", notice.ID, "error", err)
			return
		default:
			doc = got
		}
	}
	for _, sub := range subs {
		if b := sub.membership.Apply(notice.ID, doc, nil); !b.Empty() {
			sub.Push(b)
		}
	}
}

func (r *DocumentRepository) resync() {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	for _, sub := range r.subscribers("") {
		docs, err := r.Query(context.Background(), sub.query)
		if err != nil {
			r.logger.Sugar().Warnw("resync subscription", "query", sub.query.String(), "error", err)
			continue
		}
		sub.membership = docstore.NewMembership(sub.query, docs)
		sub.Push(docstore.Batch{Initial: true, Added: docs})
	}
}

// Close stops dispatching, ends every subscription and closes the listener.
func (r *DocumentRepository) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	for _, sub := range r.subscribers("") {
		sub.Close()
	}
	if r.listener != nil {
		return r.listener.Close()
	}
	return nil
}
