package docstore

import "sync"

// Feed is an unbounded, ordered batch queue backing one subscription. Writers
// push without blocking; a pump goroutine hands batches to the consumer in
// push order and closes the channel once the feed is closed.
type Feed struct {
	mu      sync.Mutex
	queue   []Batch
	signal  chan struct{}
	out     chan Batch
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewFeed starts a feed. onClose, when set, runs once as the feed closes.
func NewFeed(onClose func()) *Feed {
	f := &Feed{
		signal:  make(chan struct{}, 1),
		out:     make(chan Batch),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.pump()
	return f
}

// Push enqueues a batch. It returns false once the feed is closed.
func (f *Feed) Push(b Batch) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	f.mu.Lock()
	f.queue = append(f.queue, b)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
	return true
}

// Batches implements Subscription.
func (f *Feed) Batches() <-chan Batch {
	return f.out
}

// Close implements Subscription. It is safe to call more than once.
func (f *Feed) Close() {
	f.once.Do(func() {
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
}

// Closed reports whether Close has been called.
func (f *Feed) Closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Feed) pump() {
	defer close(f.out)
	for {
		select {
		case <-f.done:
			return
		case <-f.signal:
		}
		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			next := f.queue[0]
			f.queue[0] = Batch{}
			f.queue = f.queue[1:]
			f.mu.Unlock()

			select {
			case <-f.done:
				return
			case f.out <- next:
			}
		}
	}
}

// Membership tracks which document ids currently match a subscription's query
// so point changes can be classified as added, modified or removed.
type Membership struct {
	query Query
	known map[string]struct{}
}

// NewMembership seeds the tracker with the initial matching set.
func NewMembership(q Query, initial []Document) *Membership {
	m := &Membership{query: q, known: make(map[string]struct{}, len(initial))}
	for _, d := range initial {
		m.known[d.ID] = struct{}{}
	}
	return m
}

// Apply classifies a write. doc is the document after the write, or nil when it
// was deleted (prev then identifies it). The returned batch may be empty.
func (m *Membership) Apply(id string, doc *Document, prev *Document) Batch {
	_, wasMember := m.known[id]
	var b Batch
	switch {
	case doc != nil && m.query.Matches(*doc):
		m.known[id] = struct{}{}
		if wasMember {
			b.Modified = []Document{*doc}
		} else {
			b.Added = []Document{*doc}
		}
	case wasMember:
		delete(m.known, id)
		removed := Document{Collection: m.query.Collection, ID: id}
		switch {
		case doc != nil:
			removed = *doc
		case prev != nil:
			removed = *prev
		}
		b.Removed = []Document{removed}
	}
	return b
}
