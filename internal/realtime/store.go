// Package realtime is a keyed document store with snapshot subscriptions.
//
// Documents live under collection/id, are JSON objects, and every write
// produces a new full snapshot for every subscriber of that document and of
// its collection. There are no deltas and no ordering guarantees across
// documents.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("realtime: document not found")
var ErrClosed = errors.New("realtime: store closed")
var ErrAborted = errors.New("realtime: update aborted")
var ErrInvalidPath = errors.New("realtime: invalid path")

type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string { return r.Collection + "/" + r.ID }

func ParseRef(s string) (Ref, bool) {
	collection, id, ok := strings.Cut(s, "/")
	if !ok || collection == "" || id == "" {
		return Ref{}, false
	}
	return Ref{Collection: collection, ID: id}, true
}

// Snapshot is the full value of one document at one version. Exists is false
// for documents that were never written or have been deleted.
type Snapshot struct {
	Ref     Ref
	Version int64
	Exists  bool
	Data    json.RawMessage
}

// Mutator computes the next value of a document from its current value.
// Returning nil data deletes the document; returning an error leaves it untouched.
type Mutator func(current json.RawMessage, exists bool) (json.RawMessage, error)

type Store interface {
	// Create stores a new document under a store generated id.
	Create(ctx context.Context, collection string, build func(id string) (json.RawMessage, error)) (string, error)
	// Put overwrites (or creates) a whole document.
	Put(ctx context.Context, ref Ref, data json.RawMessage) (Snapshot, error)
	Get(ctx context.Context, ref Ref) (Snapshot, error)
	// List is a point in time read of every existing document in a collection.
	List(ctx context.Context, collection string) ([]Snapshot, error)
	// Set overwrites a single field. The parent of path must already exist.
	// Concurrent Sets on the same field are last-writer-wins.
	Set(ctx context.Context, ref Ref, path []string, value any) (Snapshot, error)
	// Update is an atomic read-modify-write of one document.
	Update(ctx context.Context, ref Ref, fn Mutator) (Snapshot, error)
	Delete(ctx context.Context, ref Ref) error
	// Subscribe delivers the current value and then every change.
	Subscribe(ctx context.Context, ref Ref) (*Subscription, error)
	// SubscribeCollection delivers the current value of each document and then every change.
	SubscribeCollection(ctx context.Context, collection string) (*Subscription, error)
	Close() error
}

// Subscription is a stream of snapshots. C is closed after Unsubscribe or
// when the store shuts down.
type Subscription struct {
	C  <-chan Snapshot
	mb *mailbox

	mu     sync.Mutex
	stops  []func()
	closed bool
}

// newSubscription wires a mailbox to a subscriber. The subscription ends with ctx.
func newSubscription(ctx context.Context, mb *mailbox) *Subscription {
	s := &Subscription{C: mb.out, mb: mb}
	unbind := context.AfterFunc(ctx, s.Unsubscribe)
	s.onStop(func() { unbind() })
	return s
}

// onStop registers cleanup to run on Unsubscribe, or runs it now if already unsubscribed.
func (s *Subscription) onStop(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f()
		return
	}
	s.stops = append(s.stops, f)
	s.mu.Unlock()
}

// Unsubscribe is idempotent and safe after the store is closed.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	s.mb.close()
}

func (s *Subscription) Done() <-chan struct{} { return s.mb.done }

// Feed is a typed view over a Subscription.
type Feed[T any] struct {
	C   <-chan T
	sub *Subscription
}

// NewFeed decodes snapshots with decode, skipping those it rejects.
func NewFeed[T any](sub *Subscription, decode func(Snapshot) (T, bool)) *Feed[T] {
	return Pipe(sub, func(in <-chan Snapshot, emit func(T) bool) {
		for snap := range in {
			v, ok := decode(snap)
			if !ok {
				continue
			}
			if !emit(v) {
				return
			}
		}
	})
}

// Pipe runs produce on its own goroutine to turn snapshots into values.
// emit reports false once the subscriber is gone.
func Pipe[T any](sub *Subscription, produce func(in <-chan Snapshot, emit func(T) bool)) *Feed[T] {
	out := make(chan T)
	emit := func(v T) bool {
		select {
		case out <- v:
			return true
		case <-sub.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		produce(sub.C, emit)
	}()
	return &Feed[T]{C: out, sub: sub}
}

func (f *Feed[T]) Unsubscribe() { f.sub.Unsubscribe() }

func (f *Feed[T]) Done() <-chan struct{} { return f.sub.Done() }
