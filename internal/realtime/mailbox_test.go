package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMailbox_ConflatesPerDocument(t *testing.T) {
	mb := newMailbox()
	defer mb.close()
	a := Ref{Collection: "c", ID: "a"}
	b := Ref{Collection: "c", ID: "b"}

	// The pump may grab the first snapshot before the rest arrive, so only
	// the final value per document is asserted.
	mb.put(Snapshot{Ref: a, Version: 1})
	mb.put(Snapshot{Ref: b, Version: 2})
	mb.put(Snapshot{Ref: a, Version: 3})

	got := map[Ref]int64{}
	for len(got) < 2 || got[a] != 3 {
		snap := recvSnapshot(t, mb.out, time.Second)
		got[snap.Ref] = snap.Version
	}
	assert.Equal(t, int64(2), got[b])
}

func TestMailbox_DropsOlderVersions(t *testing.T) {
	mb := newMailbox()
	defer mb.close()
	a := Ref{Collection: "c", ID: "a"}

	mb.put(Snapshot{Ref: a, Version: 5})
	assert.Equal(t, int64(5), recvSnapshot(t, mb.out, time.Second).Version)

	mb.put(Snapshot{Ref: a, Version: 4})
	mb.put(Snapshot{Ref: a, Version: 5})
	select {
	case snap := <-mb.out:
		t.Fatalf("stale snapshot delivered: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMailbox_CloseClosesOut(t *testing.T) {
	mb := newMailbox()
	mb.put(Snapshot{Ref: Ref{Collection: "c", ID: "a"}, Version: 1})
	mb.close()
	mb.close()
	waitClosed(t, mb.out, time.Second)
}

func TestMailbox_TracksLiveDocuments(t *testing.T) {
	mb := newMailbox()
	defer mb.close()
	a := Ref{Collection: "c", ID: "a"}
	b := Ref{Collection: "c", ID: "b"}

	mb.put(Snapshot{Ref: a, Version: 1, Exists: true})
	mb.put(Snapshot{Ref: b, Version: 2, Exists: true})
	mb.put(Snapshot{Ref: Ref{Collection: "other", ID: "x"}, Version: 3, Exists: true})
	mb.put(Snapshot{Ref: b, Version: 4})

	assert.True(t, mb.alive(a))
	assert.False(t, mb.alive(b))
	assert.Equal(t, []Ref{a}, mb.live("c"))
}
