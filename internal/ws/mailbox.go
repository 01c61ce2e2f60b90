package ws

import (
	"context"
	"sync"

	"github.com/saksicipatron/patron-server/internal/session"
)

// sliceMailbox holds at most one pending slice update; a newer one replaces it.
type sliceMailbox struct {
	mu      sync.Mutex
	pending *session.SliceUpdate
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSliceMailbox() *sliceMailbox {
	return &sliceMailbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *sliceMailbox) put(u session.SliceUpdate) {
	m.mu.Lock()
	m.pending = &u
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *sliceMailbox) take() (session.SliceUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return session.SliceUpdate{}, false
	}
	u := *m.pending
	m.pending = nil
	return u, true
}

// next blocks until an update is pending, ctx ends or the mailbox is closed.
func (m *sliceMailbox) next(ctx context.Context) (session.SliceUpdate, bool) {
	for {
		if u, ok := m.take(); ok {
			return u, true
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			return session.SliceUpdate{}, false
		case <-m.done:
			return session.SliceUpdate{}, false
		}
	}
}

func (m *sliceMailbox) close() {
	m.once.Do(func() { close(m.done) })
}
