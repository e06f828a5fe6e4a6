// Package syncengine implements the per-dashboard sync engines. Each engine is
// an actor: a single event-loop goroutine owns the view state, applies batches
// forwarded from the live subscriptions in its Registry and publishes
// immutable, versioned snapshots that readers load without locking.
package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// Identity is the principal an engine is bound to for its whole lifetime.
type Identity struct {
	UserID string
	Role   models.UserRole
}

// EventKind distinguishes engine notifications.
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventAlert    EventKind = "alert"
)

// Event is pushed to watchers after every published snapshot and for every
// alert addressed to the engine's principal.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Version uint64        `json:"version"`
	Alert   *models.Alert `json:"alert,omitempty"`
}

// NameLookup resolves display names off the engine loop. deliver is invoked
// from a worker goroutine.
type NameLookup interface {
	LookupName(userID string, deliver func(name string)) error
}

// Engine is the read side of one open dashboard.
type Engine interface {
	Identity() Identity
	Snapshot() *Snapshot
	Watch() (<-chan Event, func())
	Dismiss(announcementID string)
	Select(courseID string)
	Close()
	Done() <-chan struct{}
}

// Options carries the collaborators shared by every engine.
type Options struct {
	Store      docstore.Store
	Logger     *zap.Logger
	Validate   *validator.Validate
	Observer   Observer
	Names      NameLookup
	Buffer     int
	AlertLimit int
	RetryDelay time.Duration
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Validate == nil {
		o.Validate = validator.New()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.AlertLimit <= 0 {
		o.AlertLimit = 20
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// handler is the role-specific half of an engine. Every method runs on the
// loop goroutine.
type handler interface {
	start(ctx context.Context) error
	apply(ctx context.Context, ev event)
	dismiss(id string)
	selectCourse(id string)
	view() *Snapshot
}

// loop is the shared actor machinery.
type loop struct {
	id       Identity
	kind     string
	opts     Options
	registry *Registry
	logger   *zap.Logger

	inbox chan event
	cmds  chan func()

	snap    atomic.Pointer[Snapshot]
	version uint64
	pending map[Key]struct{}

	watchMu     sync.Mutex
	watchers    map[int]chan Event
	nextW       int
	watchClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	h handler
}

func newLoop(parent context.Context, id Identity, kind string, opts Options) *loop {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	l := &loop{
		id:       id,
		kind:     kind,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("dashboard", kind), zap.String("user_id", id.UserID)),
		inbox:    make(chan event, opts.Buffer),
		cmds:     make(chan func(), opts.Buffer),
		pending:  make(map[Key]struct{}),
		watchers: make(map[int]chan Event),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	l.registry = newRegistry(opts.Store, l.inbox, opts.Observer, l.logger)
	return l
}

// run starts the handler and the event loop. Subscriptions opened by start
// count as pending until their initial batch is applied.
func (l *loop) run(h handler) error {
	l.h = h
	if err := h.start(l.ctx); err != nil {
		l.registry.Close()
		l.cancel()
		l.closeWatchers()
		close(l.done)
		return err
	}
	l.publish()
	go l.serve()
	return nil
}

func (l *loop) serve() {
	defer close(l.done)
	defer l.closeWatchers()
	defer l.registry.Close()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-l.inbox:
			if !l.registry.Current(ev) {
				l.logger.Debug("discarding stale batch", zap.String("key", ev.key.String()))
				continue
			}
			if ev.batch.Initial {
				delete(l.pending, ev.key)
			}
			l.h.apply(l.ctx, ev)
			l.opts.Observer.BatchApplied(l.kind, ev.key.Collection)
			l.publish()
		case fn := <-l.cmds:
			fn()
			l.publish()
		}
	}
}

// acquire opens a subscription and marks it pending.
func (l *loop) acquire(ctx context.Context, key Key, q docstore.Query) error {
	if err := l.registry.Acquire(ctx, key, q); err != nil {
		return err
	}
	l.pending[key] = struct{}{}
	return nil
}

// reconcile re-diffs the per-course subscriptions and returns the courses
// that left the set.
func (l *loop) reconcile(ctx context.Context, specs []ScopedQuery, courseIDs []string) (added, removed []string) {
	added, removed, err := l.registry.Reconcile(ctx, specs, courseIDs)
	if err != nil {
		l.logger.Warn("reconcile course subscriptions", zap.Error(err))
	}
	for _, c := range removed {
		for _, spec := range specs {
			delete(l.pending, Key{Collection: spec.Collection, Scope: c})
		}
	}
	for _, c := range added {
		for _, spec := range specs {
			key := Key{Collection: spec.Collection, Scope: c}
			if _, open := l.registry.handles[key]; open {
				l.pending[key] = struct{}{}
			}
		}
	}
	return added, removed
}

// post schedules fn on the loop. It reports false once the engine is closed.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.ctx.Done():
		return false
	case l.cmds <- fn:
		return true
	}
}

func (l *loop) publish() {
	l.version++
	s := l.h.view()
	s.Version = l.version
	s.Role = l.id.Role
	s.UserID = l.id.UserID
	s.Loading = len(l.pending) > 0
	s.Subscriptions = l.registry.Open()
	s.UpdatedAt = l.opts.Now()
	l.snap.Store(s)
	l.notify(Event{Kind: EventSnapshot, Version: s.Version})
}

func (l *loop) notify(ev Event) {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	for _, ch := range l.watchers {
		select {
		case ch <- ev:
		default:
			if ev.Kind == EventSnapshot {
				continue
			}
			l.logger.Warn("watcher buffer full, dropping event", zap.String("kind", string(ev.Kind)))
		}
	}
}

func (l *loop) closeWatchers() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.watchClosed = true
	for id, ch := range l.watchers {
		close(ch)
		delete(l.watchers, id)
	}
}

// Identity implements Engine.
func (l *loop) Identity() Identity { return l.id }

// Snapshot implements Engine.
func (l *loop) Snapshot() *Snapshot { return l.snap.Load() }

// Watch implements Engine. The channel is closed when the engine closes or
// the returned cancel func runs.
func (l *loop) Watch() (<-chan Event, func()) {
	ch := make(chan Event, l.opts.Buffer)
	l.watchMu.Lock()
	if l.watchClosed {
		l.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := l.nextW
	l.nextW++
	l.watchers[id] = ch
	l.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.watchMu.Lock()
			defer l.watchMu.Unlock()
			if existing, ok := l.watchers[id]; ok {
				close(existing)
				delete(l.watchers, id)
			}
		})
	}
}

// Dismiss implements Engine.
func (l *loop) Dismiss(id string) {
	l.post(func() { l.h.dismiss(id) })
}

// Select implements Engine.
func (l *loop) Select(courseID string) {
	l.post(func() { l.h.selectCourse(courseID) })
}

// Close implements Engine. It blocks until every subscription is released.
func (l *loop) Close() {
	l.once.Do(l.cancel)
	<-l.done
}

// Done implements Engine.
func (l *loop) Done() <-chan struct{} { return l.done }

// New starts the engine matching the identity's role.
func New(ctx context.Context, id Identity, opts Options) (Engine, error) {
	switch id.Role {
	case models.RoleStudent:
		return NewStudentEngine(ctx, id, opts)
	case models.RoleTeacher:
		return NewTeacherEngine(ctx, id, opts)
	case models.RoleAdmin:
		return NewAdminEngine(ctx, id, opts)
	}
	return nil, appErrors.Clone(appErrors.ErrNoRole, "no dashboard for role")
}
