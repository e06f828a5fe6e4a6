package syncengine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

// Key identifies one live subscription. Scope is empty for identity-wide
// subscriptions and holds the course id for per-course ones.
type Key struct {
	Collection string
	Scope      string
}

func (k Key) String() string {
	if k.Scope == "" {
		return k.Collection
	}
	return k.Collection + "/" + k.Scope
}

// ScopedQuery builds the per-scope query of one collection.
type ScopedQuery struct {
	Collection string
	Build      func(scope string) docstore.Query
}

// Observer receives subscription lifecycle and batch counters.
type Observer interface {
	SubscriptionOpened(collection string)
	SubscriptionClosed(collection string)
	BatchApplied(dashboard, collection string)
}

type nopObserver struct{}

func (nopObserver) SubscriptionOpened(string)   {}
func (nopObserver) SubscriptionClosed(string)   {}
func (nopObserver) BatchApplied(string, string) {}

type event struct {
	key   Key
	gen   uint64
	batch docstore.Batch
}

type handle struct {
	gen    uint64
	sub    docstore.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the live subscriptions of one engine, keyed by (collection,
// scope). It is not safe for concurrent use; only the engine loop touches it.
// Forwarder goroutines copy each subscription's batches into the inbox tagged
// with the handle generation, so batches still in flight after a release can
// be recognised as stale.
type Registry struct {
	store    docstore.Store
	inbox    chan<- event
	observer Observer
	logger   *zap.Logger

	handles map[Key]*handle
	scopes  map[string]struct{}
	nextGen uint64
}

func newRegistry(store docstore.Store, inbox chan<- event, observer Observer, logger *zap.Logger) *Registry {
	return &Registry{
		store:    store,
		inbox:    inbox,
		observer: observer,
		logger:   logger,
		handles:  make(map[Key]*handle),
		scopes:   make(map[string]struct{}),
	}
}

// Acquire opens the subscription for key unless one is already open.
func (r *Registry) Acquire(ctx context.Context, key Key, q docstore.Query) error {
	if _, ok := r.handles[key]; ok {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := r.store.Subscribe(subCtx, q)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	r.nextGen++
	h := &handle{gen: r.nextGen, sub: sub, cancel: cancel, done: make(chan struct{})}
	r.handles[key] = h
	r.observer.SubscriptionOpened(key.Collection)
	go r.forward(subCtx, key, h)
	return nil
}

func (r *Registry) forward(ctx context.Context, key Key, h *handle) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-h.sub.Batches():
			if !ok {
				return
			}
			select {
			case r.inbox <- event{key: key, gen: h.gen, batch: batch}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Release cancels the subscription for key and waits for its forwarder.
func (r *Registry) Release(key Key) {
	h, ok := r.handles[key]
	if !ok {
		return
	}
	delete(r.handles, key)
	h.cancel()
	h.sub.Close()
	<-h.done
	r.observer.SubscriptionClosed(key.Collection)
}

// Current reports whether an event belongs to the live handle of its key.
func (r *Registry) Current(ev event) bool {
	h, ok := r.handles[ev.key]
	return ok && h.gen == ev.gen
}

// Reconcile moves the per-scope subscriptions to the new scope set: listeners
// for scopes that left are released, listeners for new scopes are acquired and
// unchanged scopes keep their existing listeners. It returns the added and
// removed scopes in sorted order.
func (r *Registry) Reconcile(ctx context.Context, specs []ScopedQuery, scopes []string) (added, removed []string, err error) {
	next := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		next[s] = struct{}{}
	}
	for s := range r.scopes {
		if _, keep := next[s]; !keep {
			removed = append(removed, s)
		}
	}
	for s := range next {
		if _, had := r.scopes[s]; !had {
			added = append(added, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	for _, s := range removed {
		for _, spec := range specs {
			r.Release(Key{Collection: spec.Collection, Scope: s})
		}
		delete(r.scopes, s)
	}
	for _, s := range added {
		for _, spec := range specs {
			if acqErr := r.Acquire(ctx, Key{Collection: spec.Collection, Scope: s}, spec.Build(s)); acqErr != nil {
				r.logger.Sugar().Warnw("acquire scoped subscription failed", "collection", spec.Collection, "scope", s, "error", acqErr)
				if err == nil {
					err = acqErr
				}
			}
		}
		r.scopes[s] = struct{}{}
	}
	return added, removed, err
}

// Open reports the number of live subscriptions.
func (r *Registry) Open() int {
	return len(r.handles)
}

// Close releases every subscription.
func (r *Registry) Close() {
	for key := range r.handles {
		r.Release(key)
	}
	r.scopes = make(map[string]struct{})
}
