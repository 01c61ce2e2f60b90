package realtime

import "sync"

// mailbox sits between a publisher and one subscriber. Publishing never
// blocks: a snapshot that has not been delivered yet is replaced by a newer
// one for the same document, which is safe because every snapshot is a full
// value. Snapshots older than one already seen for a document are dropped.
type mailbox struct {
	mu      sync.Mutex
	pending map[Ref]Snapshot
	order   []Ref
	seen    map[Ref]int64
	exists  map[Ref]bool

	wake chan struct{}
	out  chan Snapshot
	done chan struct{}
	once sync.Once
}

func newMailbox() *mailbox {
	mb := &mailbox{
		pending: make(map[Ref]Snapshot),
		seen:    make(map[Ref]int64),
		exists:  make(map[Ref]bool),
		wake:    make(chan struct{}, 1),
		out:     make(chan Snapshot),
		done:    make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox) put(snap Snapshot) {
	mb.mu.Lock()
	if v, ok := mb.seen[snap.Ref]; ok && snap.Version <= v {
		mb.mu.Unlock()
		return
	}
	mb.seen[snap.Ref] = snap.Version
	mb.exists[snap.Ref] = snap.Exists
	if _, queued := mb.pending[snap.Ref]; !queued {
		mb.order = append(mb.order, snap.Ref)
	}
	mb.pending[snap.Ref] = snap
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

// alive reports whether the latest snapshot accepted for ref says the
// document exists.
func (mb *mailbox) alive(ref Ref) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.exists[ref]
}

// live lists the documents of collection this subscriber currently believes exist.
func (mb *mailbox) live(collection string) []Ref {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []Ref
	for ref, ok := range mb.exists {
		if ok && ref.Collection == collection {
			out = append(out, ref)
		}
	}
	return out
}

func (mb *mailbox) next() (Snapshot, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.order) == 0 {
		return Snapshot{}, false
	}
	ref := mb.order[0]
	mb.order = mb.order[1:]
	snap := mb.pending[ref]
	delete(mb.pending, ref)
	return snap, true
}

func (mb *mailbox) run() {
	defer close(mb.out)
	for {
		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}
		for {
			snap, ok := mb.next()
			if !ok {
				break
			}
			select {
			case mb.out <- snap:
			case <-mb.done:
				return
			}
		}
	}
}

func (mb *mailbox) close() {
	mb.once.Do(func() { close(mb.done) })
}
