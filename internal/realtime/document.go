package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// errRetired means the actor stopped before handling the message; the caller
// asks the registry for a fresh actor and tries again.
var errRetired = errors.New("realtime: document actor retired")

type docMsg interface{ isDocMsg() }

type joinMsg struct {
	SubID  uint64
	Outbox *mailbox // where this subscriber wants to receive snapshots
	Ack    chan struct{}
}

func (joinMsg) isDocMsg() {}

type leaveMsg struct{ SubID uint64 }

func (leaveMsg) isDocMsg() {}

type mutateMsg struct {
	Fn    Mutator
	Reply chan mutateResult
}

func (mutateMsg) isDocMsg() {}

type getMsg struct {
	Reply chan Snapshot
}

func (getMsg) isDocMsg() {}

type mutateResult struct {
	Snap Snapshot
	Err  error
}

// document owns one keyed record. All reads and writes of the record go
// through its inbox, so a Mutator always sees the latest value.
type document struct {
	ref     Ref
	inbox   chan docMsg
	data    json.RawMessage
	exists  bool
	version int64
	subs    map[uint64]*mailbox
	store   *MemoryStore
	ctx     context.Context
	done    chan struct{}
}

func newDocument(ctx context.Context, ref Ref, store *MemoryStore) *document {
	d := &document{
		ref:   ref,
		inbox: make(chan docMsg, 64),
		subs:  make(map[uint64]*mailbox),
		store: store,
		ctx:   ctx,
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *document) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			d.shutdown()
			return

		case m := <-d.inbox:
			switch msg := m.(type) {
			case joinMsg:
				// Register + hand over the current value right away
				d.subs[msg.SubID] = msg.Outbox
				msg.Outbox.put(d.snapshot())
				close(msg.Ack)

			case leaveMsg:
				delete(d.subs, msg.SubID)

			case mutateMsg:
				snap, err := d.apply(msg.Fn)
				msg.Reply <- mutateResult{Snap: snap, Err: err}

			case getMsg:
				msg.Reply <- d.snapshot()
			}

			// Nothing stored and nobody listening: hand the slot back to the registry.
			if !d.exists && len(d.subs) == 0 {
				d.store.forget(d.ref, d)
				return
			}
		}
	}
}

func (d *document) apply(fn Mutator) (Snapshot, error) {
	next, err := fn(d.data, d.exists)
	if err != nil {
		return d.snapshot(), err
	}

	if next == nil {
		if !d.exists {
			return d.snapshot(), ErrNotFound
		}
		d.data = nil
		d.exists = false
	} else {
		if !json.Valid(next) {
			return d.snapshot(), errors.New("realtime: mutator returned invalid json")
		}
		d.data = next
		d.exists = true
	}

	d.version = d.store.nextVersion()
	snap := d.snapshot()
	d.broadcast(snap)
	return snap, nil
}

func (d *document) snapshot() Snapshot {
	return Snapshot{Ref: d.ref, Version: d.version, Exists: d.exists, Data: d.data}
}

func (d *document) broadcast(snap Snapshot) {
	for _, mb := range d.subs {
		mb.put(snap)
	}
	d.store.publish(snap)
}

func (d *document) shutdown() {
	for id, mb := range d.subs {
		mb.close() // no more snapshots
		delete(d.subs, id)
	}
}

// send delivers msg unless the actor is gone.
func (d *document) send(ctx context.Context, msg docMsg) error {
	select {
	case d.inbox <- msg:
		return nil
	case <-d.done:
		return errRetired
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *document) mutate(ctx context.Context, fn Mutator) (Snapshot, error) {
	reply := make(chan mutateResult, 1)
	if err := d.send(ctx, mutateMsg{Fn: fn, Reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case r := <-reply:
		return r.Snap, r.Err
	case <-d.done:
		// The actor replies before it retires, so a handled message is never lost here.
		select {
		case r := <-reply:
			return r.Snap, r.Err
		default:
			return Snapshot{}, errRetired
		}
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (d *document) get(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := d.send(ctx, getMsg{Reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-d.done:
		select {
		case snap := <-reply:
			return snap, nil
		default:
			return Snapshot{}, errRetired
		}
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (d *document) join(ctx context.Context, subID uint64, mb *mailbox) error {
	ack := make(chan struct{})
	if err := d.send(ctx, joinMsg{SubID: subID, Outbox: mb, Ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-d.done:
		select {
		case <-ack:
			return nil
		default:
			return errRetired
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// leave is fire and forget; a retired actor has no subscribers to drop.
func (d *document) leave(subID uint64) {
	select {
	case d.inbox <- leaveMsg{SubID: subID}:
	case <-d.done:
	}
}
