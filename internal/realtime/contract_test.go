package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper: receive one snapshot with a timeout so tests never hang
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

// recvUntil reads snapshots until match accepts one.
func recvUntil(t *testing.T, ch <-chan Snapshot, within time.Duration, match func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed unexpectedly")
			}
			if match(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			return Snapshot{}
		}
	}
}

func waitClosed(t *testing.T, ch <-chan Snapshot, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription was not closed")
		}
	}
}

type counterDoc struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  map[string]string `json:"tags"`
}

func decodeCounter(t *testing.T, data json.RawMessage) counterDoc {
	t.Helper()
	var c counterDoc
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// runStoreContract exercises behaviour every Store implementation shares.
// Each subtest works in its own collection so implementations backed by a
// shared database do not see each other's documents.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	const wait = 3 * time.Second
	ctx := context.Background()
	var seq int
	collection := func() string {
		seq++
		return fmt.Sprintf("things%d_%d", time.Now().UnixNano(), seq)
	}

	t.Run("SubscribeSeesInitialValueThenChanges", func(t *testing.T) {
		s := newStore(t)
		ref := Ref{Collection: collection(), ID: "a"}

		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		first := recvSnapshot(t, sub.C, wait)
		assert.False(t, first.Exists, "nothing written yet")

		put, err := s.Put(ctx, ref, mustJSON(t, counterDoc{Name: "a", Count: 1}))
		require.NoError(t, err)

		snap := recvSnapshot(t, sub.C, wait)
		assert.True(t, snap.Exists)
		assert.Equal(t, put.Version, snap.Version)
		assert.Equal(t, 1, decodeCounter(t, snap.Data).Count)

		put2, err := s.Put(ctx, ref, mustJSON(t, counterDoc{Name: "a", Count: 2}))
		require.NoError(t, err)
		assert.Greater(t, put2.Version, put.Version)

		snap = recvUntil(t, sub.C, wait, func(s Snapshot) bool { return s.Version == put2.Version })
		assert.Equal(t, 2, decodeCounter(t, snap.Data).Count)
	})

	t.Run("UpdateIsAtomic", func(t *testing.T) {
		s := newStore(t)
		ref := Ref{Collection: collection(), ID: "n"}
		_, err := s.Put(ctx, ref, mustJSON(t, counterDoc{Name: "n"}))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, ref, func(cur json.RawMessage, exists bool) (json.RawMessage, error) {
					var c counterDoc
					if err := json.Unmarshal(cur, &c); err != nil {
						return nil, err
					}
					c.Count++
					return json.Marshal(c)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		snap, err := s.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 20, decodeCounter(t, snap.Data).Count)
	})

	t.Run("MutatorErrorLeavesDocumentAlone", func(t *testing.T) {
		s := newStore(t)
		ref := Ref{Collection: collection(), ID: "x"}
		before, err := s.Put(ctx, ref, mustJSON(t, counterDoc{Name: "x", Count: 7}))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Update(ctx, ref, func(json.RawMessage, bool) (json.RawMessage, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		after, err := s.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
	})

	t.Run("SetWritesOneField", func(t *testing.T) {
		s := newStore(t)
		ref := Ref{Collection: collection(), ID: "s"}
		_, err := s.Put(ctx, ref, mustJSON(t, counterDoc{Name: "s", Count: 3, Tags: map[string]string{"a": "1"}}))
		require.NoError(t, err)

		_, err = s.Set(ctx, ref, []string{"tags", "b"}, "2")
		require.NoError(t, err)
		snap, err := s.Set(ctx, ref, []string{"count"}, 9)
		require.NoError(t, err)

		c := decodeCounter(t, snap.Data)
		assert.Equal(t, 9, c.Count)
		assert.Equal(t, "s", c.Name)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, c.Tags)

		_, err = s.Set(ctx, ref, []string{"missing", "leaf"}, true)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Set(ctx, Ref{Collection: ref.Collection, ID: "nope"}, []string{"count"}, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteNotifiesSubscribers", func(t *testing.T) {
		s := newStore(t)
		ref := Ref{Collection: collection(), ID: "d"}
		_, err := s.Put(ctx, ref, mustJSON(t, counterDoc{Name: "d"}))
		require.NoError(t, err)

		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		defer sub.Unsubscribe()
		assert.True(t, recvSnapshot(t, sub.C, wait).Exists)

		require.NoError(t, s.Delete(ctx, ref))
		gone := recvUntil(t, sub.C, wait, func(s Snapshot) bool { return !s.Exists })
		assert.Equal(t, ref, gone.Ref)

		_, err = s.Get(ctx, ref)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, ref), ErrNotFound)
	})

	t.Run("CreateAndList", func(t *testing.T) {
		s := newStore(t)
		c := collection()

		var ids []string
		for i := range 3 {
			id, err := s.Create(ctx, c, func(id string) (json.RawMessage, error) {
				return json.Marshal(counterDoc{Name: id, Count: i})
			})
			require.NoError(t, err)
			require.NotEmpty(t, id)
			ids = append(ids, id)
		}

		snaps, err := s.List(ctx, c)
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		for _, snap := range snaps {
			assert.Contains(t, ids, snap.Ref.ID)
			assert.Equal(t, snap.Ref.ID, decodeCounter(t, snap.Data).Name)
		}
	})

	t.Run("CollectionSubscription", func(t *testing.T) {
		s := newStore(t)
		c := collection()
		_, err := s.Put(ctx, Ref{Collection: c, ID: "old"}, mustJSON(t, counterDoc{Name: "old"}))
		require.NoError(t, err)

		sub, err := s.SubscribeCollection(ctx, c)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		first := recvSnapshot(t, sub.C, wait)
		assert.Equal(t, "old", first.Ref.ID)

		_, err = s.Put(ctx, Ref{Collection: "elsewhere" + c, ID: "noise"}, mustJSON(t, counterDoc{Name: "noise"}))
		require.NoError(t, err)
		_, err = s.Put(ctx, Ref{Collection: c, ID: "new"}, mustJSON(t, counterDoc{Name: "new"}))
		require.NoError(t, err)

		snap := recvSnapshot(t, sub.C, wait)
		assert.Equal(t, Ref{Collection: c, ID: "new"}, snap.Ref)

		require.NoError(t, s.Delete(ctx, Ref{Collection: c, ID: "old"}))
		snap = recvSnapshot(t, sub.C, wait)
		assert.Equal(t, "old", snap.Ref.ID)
		assert.False(t, snap.Exists)
	})

	t.Run("UnsubscribeIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ref := Ref{Collection: collection(), ID: "u"}

		sub, err := s.Subscribe(ctx, ref)
		require.NoError(t, err)
		recvSnapshot(t, sub.C, wait)

		sub.Unsubscribe()
		sub.Unsubscribe()
		waitClosed(t, sub.C, wait)

		// Writes after unsubscribing reach nobody and do not block.
		_, err = s.Put(ctx, ref, mustJSON(t, counterDoc{Name: "u"}))
		require.NoError(t, err)
	})

	t.Run("ContextEndsSubscription", func(t *testing.T) {
		s := newStore(t)
		subCtx, cancel := context.WithCancel(ctx)

		sub, err := s.Subscribe(subCtx, Ref{Collection: collection(), ID: "c"})
		require.NoError(t, err)
		recvSnapshot(t, sub.C, wait)

		cancel()
		waitClosed(t, sub.C, wait)
		sub.Unsubscribe()
	})

	t.Run("CloseEndsSubscriptions", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Subscribe(ctx, Ref{Collection: collection(), ID: "z"})
		require.NoError(t, err)
		recvSnapshot(t, sub.C, wait)

		require.NoError(t, s.Close())
		waitClosed(t, sub.C, wait)
		sub.Unsubscribe() // safe after close
		require.NoError(t, s.Close())
	})
}
