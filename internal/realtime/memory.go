package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process, one actor goroutine per document.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[Ref]*document
	watchers map[string]map[uint64]*mailbox // by collection
	closed   bool

	version atomic.Int64
	subSeq  atomic.Uint64
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(parent context.Context) *MemoryStore {
	ctx, cancel := context.WithCancel(parent)
	return &MemoryStore{
		docs:     make(map[Ref]*document),
		watchers: make(map[string]map[uint64]*mailbox),
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// nextVersion is store wide so a deleted and recreated document never repeats a version.
func (m *MemoryStore) nextVersion() int64 { return m.version.Add(1) }

func (m *MemoryStore) ensure(ref Ref) (*document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if d := m.docs[ref]; d != nil {
		return d, nil
	}
	d := newDocument(m.ctx, ref, m)
	m.docs[ref] = d
	return d, nil
}

func (m *MemoryStore) forget(ref Ref, d *document) {
	m.mu.Lock()
	if m.docs[ref] == d {
		delete(m.docs, ref)
	}
	m.mu.Unlock()
}

func (m *MemoryStore) publish(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mb := range m.watchers[snap.Ref.Collection] {
		mb.put(snap)
	}
}

// withDocument runs op against the live actor for ref, retrying when the actor
// retired between lookup and delivery.
func (m *MemoryStore) withDocument(ref Ref, op func(*document) error) error {
	for {
		d, err := m.ensure(ref)
		if err != nil {
			return err
		}
		err = op(d)
		if errors.Is(err, errRetired) {
			continue
		}
		return err
	}
}

func (m *MemoryStore) Update(ctx context.Context, ref Ref, fn Mutator) (Snapshot, error) {
	var snap Snapshot
	err := m.withDocument(ref, func(d *document) error {
		var err error
		snap, err = d.mutate(ctx, fn)
		return err
	})
	return snap, err
}

func (m *MemoryStore) Create(ctx context.Context, collection string, build func(id string) (json.RawMessage, error)) (string, error) {
	id := m.newID()
	_, err := m.Update(ctx, Ref{Collection: collection, ID: id}, func(_ json.RawMessage, exists bool) (json.RawMessage, error) {
		if exists {
			return nil, fmt.Errorf("%w: id %s already taken", ErrAborted, id)
		}
		return build(id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryStore) Put(ctx context.Context, ref Ref, data json.RawMessage) (Snapshot, error) {
	return m.Update(ctx, ref, func(json.RawMessage, bool) (json.RawMessage, error) {
		return data, nil
	})
}

func (m *MemoryStore) Set(ctx context.Context, ref Ref, path []string, value any) (Snapshot, error) {
	return m.Update(ctx, ref, func(cur json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrNotFound
		}
		return setPath(cur, path, value)
	})
}

func (m *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	_, err := m.Update(ctx, ref, func(json.RawMessage, bool) (json.RawMessage, error) {
		return nil, nil
	})
	return err
}

func (m *MemoryStore) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	var snap Snapshot
	err := m.withDocument(ref, func(d *document) error {
		var err error
		snap, err = d.get(ctx)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	if !snap.Exists {
		return snap, ErrNotFound
	}
	return snap, nil
}

func (m *MemoryStore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	var out []Snapshot
	for _, d := range m.documents(collection) {
		snap, err := d.get(ctx)
		if errors.Is(err, errRetired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if snap.Exists {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *MemoryStore) documents(collection string) []*document {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []*document
	for ref, d := range m.docs {
		if ref.Collection == collection {
			docs = append(docs, d)
		}
	}
	return docs
}

func (m *MemoryStore) Subscribe(ctx context.Context, ref Ref) (*Subscription, error) {
	mb := newMailbox()
	id := m.subSeq.Add(1)

	var joined *document
	err := m.withDocument(ref, func(d *document) error {
		if err := d.join(ctx, id, mb); err != nil {
			return err
		}
		joined = d
		return nil
	})
	if err != nil {
		mb.close()
		return nil, err
	}

	sub := newSubscription(ctx, mb)
	sub.onStop(func() { joined.leave(id) })
	return sub, nil
}

func (m *MemoryStore) SubscribeCollection(ctx context.Context, collection string) (*Subscription, error) {
	mb := newMailbox()
	id := m.subSeq.Add(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		mb.close()
		return nil, ErrClosed
	}
	if m.watchers[collection] == nil {
		m.watchers[collection] = make(map[uint64]*mailbox)
	}
	m.watchers[collection][id] = mb
	m.mu.Unlock()

	sub := newSubscription(ctx, mb)
	sub.onStop(func() {
		m.mu.Lock()
		delete(m.watchers[collection], id)
		m.mu.Unlock()
	})

	// Registered first, so a write racing this read is never missed; the
	// mailbox drops whichever copy is older.
	snaps, err := m.List(ctx, collection)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	for _, snap := range snaps {
		mb.put(snap)
	}
	return sub, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for collection, watchers := range m.watchers {
		for _, mb := range watchers {
			mb.close()
		}
		delete(m.watchers, collection)
	}
	m.mu.Unlock()

	m.cancel()
	return nil
}
