package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var ErrStorage = errors.New("realtime: unexpected database error")

const notifyChannel = "realtime_documents"

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS realtime_document_versions`,
	`CREATE TABLE IF NOT EXISTS realtime_documents (
		collection TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		body       JSONB       NOT NULL,
		version    BIGINT      NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`,
}

// change is the NOTIFY payload. Subscribers re-read the row, so the payload
// stays well under the 8000 byte NOTIFY limit whatever the document size.
type change struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Version    int64  `json:"version"`
	Exists     bool   `json:"exists"`
}

// PostgresStore keeps documents as jsonb rows and pushes changes to
// subscribers in this process through LISTEN/NOTIFY, so several server
// processes can share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	mu          sync.Mutex
	docs        map[Ref]map[uint64]*mailbox
	collections map[string]map[uint64]*mailbox
	subSeq      atomic.Uint64
	closed      bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore starts the change listener. Call Migrate before first use.
func NewPostgresStore(parent context.Context, pool *pgxpool.Pool, log *zap.Logger) *PostgresStore {
	ctx, cancel := context.WithCancel(parent)
	p := &PostgresStore{
		pool:        pool,
		log:         log,
		docs:        make(map[Ref]map[uint64]*mailbox),
		collections: make(map[string]map[uint64]*mailbox),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.listen(ctx)
	return p
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("realtime: migrate: %w", err)
		}
	}
	return nil
}

// mutatorErr marks an error returned by a caller's Mutator so it reaches the
// caller unwrapped.
type mutatorErr struct{ err error }

func (e mutatorErr) Error() string { return e.err.Error() }
func (e mutatorErr) Unwrap() error { return e.err }

func wrapErr(err error) error {
	var me mutatorErr
	switch {
	case err == nil:
		return nil
	case errors.As(err, &me):
		return me.err
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAborted):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	// "23505" is unique_violation
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// notify is queued inside the writing transaction and delivered on commit.
func notify(ctx context.Context, tx pgx.Tx, snap Snapshot) error {
	payload, err := json.Marshal(change{
		Collection: snap.Ref.Collection,
		ID:         snap.Ref.ID,
		Version:    snap.Version,
		Exists:     snap.Exists,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

func (p *PostgresStore) Create(ctx context.Context, collection string, build func(id string) (json.RawMessage, error)) (string, error) {
	id := uuid.NewString()
	data, err := build(id)
	if err != nil {
		return "", err
	}
	ref := Ref{Collection: collection, ID: id}

	err = p.inTx(ctx, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx,
			`INSERT INTO realtime_documents (collection, id, body, version)
			 VALUES ($1, $2, $3::jsonb, nextval('realtime_document_versions'))
			 RETURNING version`,
			collection, id, string(data)).Scan(&version)
		if err != nil {
			return err
		}
		return notify(ctx, tx, Snapshot{Ref: ref, Version: version, Exists: true})
	})
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: id %s already taken", ErrAborted, id)
		}
		return "", wrapErr(err)
	}
	return id, nil
}

func (p *PostgresStore) Put(ctx context.Context, ref Ref, data json.RawMessage) (Snapshot, error) {
	snap := Snapshot{Ref: ref, Exists: true, Data: data}
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO realtime_documents (collection, id, body, version)
			 VALUES ($1, $2, $3::jsonb, nextval('realtime_document_versions'))
			 ON CONFLICT (collection, id) DO UPDATE
			 SET body = EXCLUDED.body, version = EXCLUDED.version, updated_at = now()
			 RETURNING version`,
			ref.Collection, ref.ID, string(data)).Scan(&snap.Version)
		if err != nil {
			return err
		}
		return notify(ctx, tx, snap)
	})
	if err != nil {
		return Snapshot{}, wrapErr(err)
	}
	return snap, nil
}

func (p *PostgresStore) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	snap := Snapshot{Ref: ref}
	var body []byte
	err := p.pool.QueryRow(ctx,
		`SELECT body, version FROM realtime_documents WHERE collection = $1 AND id = $2`,
		ref.Collection, ref.ID).Scan(&body, &snap.Version)
	if err != nil {
		return snap, wrapErr(err)
	}
	snap.Exists = true
	snap.Data = body
	return snap, nil
}

func (p *PostgresStore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, body, version FROM realtime_documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap := Snapshot{Ref: Ref{Collection: collection}, Exists: true}
		var body []byte
		if err := rows.Scan(&snap.Ref.ID, &body, &snap.Version); err != nil {
			return nil, wrapErr(err)
		}
		snap.Data = body
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func (p *PostgresStore) Set(ctx context.Context, ref Ref, path []string, value any) (Snapshot, error) {
	if len(path) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	leaf, err := json.Marshal(value)
	if err != nil {
		return Snapshot{}, fmt.Errorf("realtime: encode value: %w", err)
	}

	snap := Snapshot{Ref: ref, Exists: true}
	err = p.inTx(ctx, func(tx pgx.Tx) error {
		var body []byte
		err := tx.QueryRow(ctx,
			`UPDATE realtime_documents
			 SET body = jsonb_set(body, $3::text[], $4::jsonb, true),
			     version = nextval('realtime_document_versions'),
			     updated_at = now()
			 WHERE collection = $1 AND id = $2
			   AND jsonb_typeof(body #> $5::text[]) = 'object'
			 RETURNING body, version`,
			ref.Collection, ref.ID, path, string(leaf), path[:len(path)-1]).Scan(&body, &snap.Version)
		if err != nil {
			return err
		}
		snap.Data = body
		return notify(ctx, tx, snap)
	})
	if err != nil {
		return Snapshot{}, wrapErr(err)
	}
	return snap, nil
}

func (p *PostgresStore) Update(ctx context.Context, ref Ref, fn Mutator) (Snapshot, error) {
	// Two racing first writes both see no row; the loser hits the primary key
	// and goes around again, this time locking the winner's row.
	for attempt := 0; ; attempt++ {
		snap, err := p.update(ctx, ref, fn)
		if isUniqueViolation(err) && attempt < 3 {
			continue
		}
		return snap, wrapErr(err)
	}
}

func (p *PostgresStore) update(ctx context.Context, ref Ref, fn Mutator) (Snapshot, error) {
	snap := Snapshot{Ref: ref}
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var cur []byte
		exists := true
		err := tx.QueryRow(ctx,
			`SELECT body FROM realtime_documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			ref.Collection, ref.ID).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else if err != nil {
			return err
		}

		next, err := fn(cur, exists)
		if err != nil {
			return mutatorErr{err}
		}

		switch {
		case next == nil && !exists:
			return ErrNotFound
		case next == nil:
			err = tx.QueryRow(ctx,
				`DELETE FROM realtime_documents WHERE collection = $1 AND id = $2
				 RETURNING nextval('realtime_document_versions')`,
				ref.Collection, ref.ID).Scan(&snap.Version)
		case exists:
			snap.Exists, snap.Data = true, next
			err = tx.QueryRow(ctx,
				`UPDATE realtime_documents
				 SET body = $3::jsonb, version = nextval('realtime_document_versions'), updated_at = now()
				 WHERE collection = $1 AND id = $2
				 RETURNING version`,
				ref.Collection, ref.ID, string(next)).Scan(&snap.Version)
		default:
			snap.Exists, snap.Data = true, next
			err = tx.QueryRow(ctx,
				`INSERT INTO realtime_documents (collection, id, body, version)
				 VALUES ($1, $2, $3::jsonb, nextval('realtime_document_versions'))
				 RETURNING version`,
				ref.Collection, ref.ID, string(next)).Scan(&snap.Version)
		}
		if err != nil {
			return err
		}
		return notify(ctx, tx, snap)
	})
	return snap, err
}

func (p *PostgresStore) Delete(ctx context.Context, ref Ref) error {
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		snap := Snapshot{Ref: ref}
		err := tx.QueryRow(ctx,
			`DELETE FROM realtime_documents WHERE collection = $1 AND id = $2
			 RETURNING nextval('realtime_document_versions')`,
			ref.Collection, ref.ID).Scan(&snap.Version)
		if err != nil {
			return err
		}
		return notify(ctx, tx, snap)
	})
	return wrapErr(err)
}

func (p *PostgresStore) Subscribe(ctx context.Context, ref Ref) (*Subscription, error) {
	mb := newMailbox()
	id := p.subSeq.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		mb.close()
		return nil, ErrClosed
	}
	if p.docs[ref] == nil {
		p.docs[ref] = make(map[uint64]*mailbox)
	}
	p.docs[ref][id] = mb
	p.mu.Unlock()

	sub := newSubscription(ctx, mb)
	sub.onStop(func() {
		p.mu.Lock()
		delete(p.docs[ref], id)
		if len(p.docs[ref]) == 0 {
			delete(p.docs, ref)
		}
		p.mu.Unlock()
	})

	snap, err := p.Get(ctx, ref)
	switch {
	case errors.Is(err, ErrNotFound):
		mb.put(Snapshot{Ref: ref})
	case err != nil:
		sub.Unsubscribe()
		return nil, err
	default:
		mb.put(snap)
	}
	return sub, nil
}

func (p *PostgresStore) SubscribeCollection(ctx context.Context, collection string) (*Subscription, error) {
	mb := newMailbox()
	id := p.subSeq.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		mb.close()
		return nil, ErrClosed
	}
	if p.collections[collection] == nil {
		p.collections[collection] = make(map[uint64]*mailbox)
	}
	p.collections[collection][id] = mb
	p.mu.Unlock()

	sub := newSubscription(ctx, mb)
	sub.onStop(func() {
		p.mu.Lock()
		delete(p.collections[collection], id)
		p.mu.Unlock()
	})

	snaps, err := p.List(ctx, collection)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	for _, snap := range snaps {
		mb.put(snap)
	}
	return sub, nil
}

// listeners returns every mailbox interested in ref.
func (p *PostgresStore) listeners(ref Ref) []*mailbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*mailbox
	for _, mb := range p.docs[ref] {
		out = append(out, mb)
	}
	for _, mb := range p.collections[ref.Collection] {
		out = append(out, mb)
	}
	return out
}

func (p *PostgresStore) deliver(snap Snapshot) {
	for _, mb := range p.listeners(snap.Ref) {
		mb.put(snap)
	}
}

func (p *PostgresStore) listen(ctx context.Context) {
	defer close(p.done)
	backoff := 100 * time.Millisecond
	for {
		err := p.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("realtime listener lost its connection", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func (p *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	// Anything written while we were not listening is picked up by a fresh read.
	p.resync(ctx)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		p.handle(ctx, n.Payload)
	}
}

func (p *PostgresStore) handle(ctx context.Context, payload string) {
	var c change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		p.log.Warn("realtime: bad notification payload", zap.String("payload", payload), zap.Error(err))
		return
	}
	ref := Ref{Collection: c.Collection, ID: c.ID}
	if !c.Exists {
		p.deliver(Snapshot{Ref: ref, Version: c.Version})
		return
	}
	if len(p.listeners(ref)) == 0 {
		return
	}
	snap, err := p.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return // deleted since, its own notification follows
	}
	if err != nil {
		p.log.Warn("realtime: re-read after notification failed", zap.Stringer("ref", ref), zap.Error(err))
		return
	}
	p.deliver(snap)
}

// resync re-reads everything subscribers are watching. Documents deleted while
// nobody was listening get a tombstone, versioned past anything already
// delivered.
func (p *PostgresStore) resync(ctx context.Context) {
	p.mu.Lock()
	refs := make([]Ref, 0, len(p.docs))
	for ref := range p.docs {
		refs = append(refs, ref)
	}
	collections := make(map[string][]*mailbox, len(p.collections))
	for c, subs := range p.collections {
		for _, mb := range subs {
			collections[c] = append(collections[c], mb)
		}
	}
	p.mu.Unlock()

	var tomb int64
	tombstone := func(ref Ref) (Snapshot, bool) {
		if tomb == 0 {
			err := p.pool.QueryRow(ctx, `SELECT nextval('realtime_document_versions')`).Scan(&tomb)
			if err != nil {
				p.log.Warn("realtime: resync could not version a tombstone", zap.Stringer("ref", ref), zap.Error(err))
				return Snapshot{}, false
			}
		}
		return Snapshot{Ref: ref, Version: tomb}, true
	}
	bury := func(ref Ref, mbs []*mailbox) {
		for _, mb := range mbs {
			if !mb.alive(ref) {
				continue
			}
			if snap, ok := tombstone(ref); ok {
				mb.put(snap)
			}
		}
	}

	for _, ref := range refs {
		snap, err := p.Get(ctx, ref)
		switch {
		case errors.Is(err, ErrNotFound):
			bury(ref, p.listeners(ref))
		case err != nil:
			p.log.Warn("realtime: resync failed", zap.Stringer("ref", ref), zap.Error(err))
		default:
			p.deliver(snap)
		}
	}
	for c, mbs := range collections {
		snaps, err := p.List(ctx, c)
		if err != nil {
			p.log.Warn("realtime: resync failed", zap.String("collection", c), zap.Error(err))
			continue
		}
		present := make(map[Ref]bool, len(snaps))
		for _, snap := range snaps {
			present[snap.Ref] = true
			p.deliver(snap)
		}
		for _, mb := range mbs {
			for _, ref := range mb.live(c) {
				if !present[ref] {
					bury(ref, []*mailbox{mb})
				}
			}
		}
	}
}

// Close stops the listener and ends every subscription. The pool belongs to the caller.
func (p *PostgresStore) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for ref, subs := range p.docs {
		for _, mb := range subs {
			mb.close()
		}
		delete(p.docs, ref)
	}
	for c, subs := range p.collections {
		for _, mb := range subs {
			mb.close()
		}
		delete(p.collections, c)
	}
	p.mu.Unlock()

	p.cancel()
	<-p.done
	return nil
}
