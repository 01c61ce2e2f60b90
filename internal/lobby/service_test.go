package lobby

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/realtime"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc   *Service
	store *realtime.MemoryStore
	now   time.Time
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: realtime.NewMemoryStore(context.Background()), now: epoch}
	t.Cleanup(func() { env.store.Close() })
	env.svc = NewService(env.store, zap.NewNop(), WithClock(func() time.Time { return env.now }))
	return env
}

func recv[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("feed closed unexpectedly")
		}
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for feed")
	}
	var zero T
	return zero
}

func recvUntil[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("feed closed unexpectedly")
			}
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching value")
			var zero T
			return zero
		}
	}
}

func (e *testEnv) lobbyWithGuest(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := e.svc.CreateLobby(ctx, "ayse", "Ayşe", "")
	require.NoError(t, err)
	ok, err := e.svc.JoinLobby(ctx, id, "mehmet", "Mehmet")
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestCreateLobby(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	id, err := env.svc.CreateLobby(ctx, "ayse", "Ayşe", "")
	require.NoError(t, err)

	l, err := env.svc.GetLobby(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, l.ID)
	assert.Equal(t, "Ayşe's Lobby", l.Name)
	assert.Equal(t, engine.StatusWaiting, l.Status)
	assert.Equal(t, epoch.UnixMilli(), l.CreatedAt)
	assert.Equal(t, engine.DefaultSettings(), l.Settings)
	require.Len(t, l.Players, 1)
	assert.False(t, l.Players["ayse"].Ready)

	_, err = env.svc.CreateLobby(ctx, "", "nobody", "")
	assert.ErrorIs(t, err, engine.ErrInvalidPlayer)
}

func TestJoinLobby(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := env.lobbyWithGuest(t)

	ok, err := env.svc.JoinLobby(ctx, id, "mehmet", "Mehmet")
	assert.NoError(t, err, "rejoin is idempotent")
	assert.True(t, ok)

	ok, err = env.svc.JoinLobby(ctx, id, "zeynep", "Zeynep")
	assert.ErrorIs(t, err, engine.ErrLobbyFull)
	assert.False(t, ok)

	ok, err = env.svc.JoinLobby(ctx, "missing", "zeynep", "Zeynep")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, ok)
}

func TestJoinLobbyNeverOverfills(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id, err := env.svc.CreateLobby(ctx, "ayse", "Ayşe", "")
	require.NoError(t, err)

	var joined atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pid := string(rune('a' + i))
			if ok, _ := env.svc.JoinLobby(ctx, id, pid, "P"+pid); ok {
				joined.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), joined.Load())
	l, err := env.svc.GetLobby(ctx, id)
	require.NoError(t, err)
	assert.Len(t, l.Players, engine.MaxPlayers)
}

func TestSetPlayerReady(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := env.lobbyWithGuest(t)

	require.NoError(t, env.svc.SetPlayerReady(ctx, id, "ayse", true))
	l, err := env.svc.GetLobby(ctx, id)
	require.NoError(t, err)
	assert.False(t, engine.CanStart(l))

	require.NoError(t, env.svc.SetPlayerReady(ctx, id, "mehmet", true))
	l, err = env.svc.GetLobby(ctx, id)
	require.NoError(t, err)
	assert.True(t, l.Players["ayse"].Ready)
	assert.True(t, l.Players["mehmet"].Ready)
	assert.True(t, engine.CanStart(l))

	assert.ErrorIs(t, env.svc.SetPlayerReady(ctx, id, "ghost", true), engine.ErrNotInLobby)
}

// staleReads serves Get from a frozen copy, the way a reader sees a lobby
// that changed right after it was read.
type staleReads struct {
	*realtime.MemoryStore
	frozen map[realtime.Ref]realtime.Snapshot
}

func (s *staleReads) Get(ctx context.Context, ref realtime.Ref) (realtime.Snapshot, error) {
	if snap, ok := s.frozen[ref]; ok {
		return snap, nil
	}
	return s.MemoryStore.Get(ctx, ref)
}

func TestSetPlayerReady_RacingStart(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := env.lobbyWithGuest(t)
	require.NoError(t, env.svc.SetPlayerReady(ctx, id, "ayse", true))
	require.NoError(t, env.svc.SetPlayerReady(ctx, id, "mehmet", true))

	waiting, err := env.store.Get(ctx, Ref(id))
	require.NoError(t, err)
	_, _, err = env.svc.Apply(ctx, id, engine.Command{Type: engine.CmdStartGame, PlayerID: "ayse"})
	require.NoError(t, err)

	stale := &staleReads{MemoryStore: env.store, frozen: map[realtime.Ref]realtime.Snapshot{Ref(id): waiting}}
	svc := NewService(stale, zap.NewNop())
	assert.ErrorIs(t, svc.SetPlayerReady(ctx, id, "mehmet", false), engine.ErrNotWaiting)

	l, err := env.svc.GetLobby(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusStarting, l.Status)
	assert.True(t, l.Players["mehmet"].Ready)
}

func TestUpdateLobbySettings(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := env.lobbyWithGuest(t)
	hard := engine.Settings{EmployeeCount: 10, TimeLimit: 90, Difficulty: engine.DifficultyHard}

	assert.ErrorIs(t, env.svc.UpdateLobbySettings(ctx, id, "mehmet", hard), engine.ErrNotHost)
	assert.ErrorIs(t, env.svc.UpdateLobbySettings(ctx, id, "ayse", engine.Settings{}), engine.ErrInvalidSettings)
	require.NoError(t, env.svc.UpdateLobbySettings(ctx, id, "ayse", hard))

	l, err := env.svc.GetLobby(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, hard, l.Settings)
}

func TestLeaveLobbyRemovesOnlyThatPlayer(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := env.lobbyWithGuest(t)
	hard := engine.Settings{EmployeeCount: 10, TimeLimit: 90, Difficulty: engine.DifficultyHard}
	require.NoError(t, env.svc.UpdateLobbySettings(ctx, id, "ayse", hard))
	require.NoError(t, env.svc.SetPlayerReady(ctx, id, "ayse", true))
	before, err := env.svc.GetLobby(ctx, id)
	require.NoError(t, err)

	require.NoError(t, env.svc.LeaveLobby(ctx, id, "mehmet"))

	after, err := env.svc.GetLobby(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, after.Players, "mehmet")
	assert.Equal(t, before.Players["ayse"], after.Players["ayse"])
	assert.Equal(t, hard, after.Settings)

	assert.ErrorIs(t, env.svc.LeaveLobby(ctx, id, "mehmet"), engine.ErrNotInLobby)
}

func TestLastLeaveDeletesLobbyAndGame(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id, err := env.svc.CreateLobby(ctx, "ayse", "Ayşe", "solo")
	require.NoError(t, err)
	_, err = env.store.Put(ctx, GameRef(id), json.RawMessage(`{"lobbyId":"x"}`))
	require.NoError(t, err)

	feed, err := env.svc.SubscribeLobby(ctx, id)
	require.NoError(t, err)
	defer feed.Unsubscribe()
	assert.False(t, recv(t, feed.C, time.Second).Deleted)

	require.NoError(t, env.svc.LeaveLobby(ctx, id, "ayse"))

	assert.True(t, recv(t, feed.C, time.Second).Deleted)
	_, err = env.svc.GetLobby(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.store.Get(ctx, GameRef(id))
	assert.ErrorIs(t, err, realtime.ErrNotFound)
}

func TestCloseLobby(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id := env.lobbyWithGuest(t)

	assert.ErrorIs(t, env.svc.CloseLobby(ctx, id, "mehmet"), engine.ErrNotHost)
	require.NoError(t, env.svc.CloseLobby(ctx, id, "ayse"))
	_, err := env.svc.GetLobby(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAvailableLobbies(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	full := env.lobbyWithGuest(t)
	env.now = env.now.Add(time.Minute)
	older, err := env.svc.CreateLobby(ctx, "zeynep", "Zeynep", "")
	require.NoError(t, err)
	env.now = env.now.Add(time.Minute)
	newer, err := env.svc.CreateLobby(ctx, "emre", "Emre", "")
	require.NoError(t, err)
	env.now = env.now.Add(time.Minute)
	started, err := env.svc.CreateLobby(ctx, "ali", "Ali", "")
	require.NoError(t, err)
	_, err = env.store.Set(ctx, Ref(started), []string{"status"}, engine.StatusPlaying)
	require.NoError(t, err)

	open, err := env.svc.GetAvailableLobbies(ctx)
	require.NoError(t, err)

	var ids []string
	for _, l := range open {
		ids = append(ids, l.ID)
		assert.Equal(t, engine.StatusWaiting, l.Status)
		assert.Less(t, len(l.Players), engine.MaxPlayers)
	}
	assert.Equal(t, []string{newer, older}, ids)
	assert.NotContains(t, ids, full)
}

func TestSubscribeLobby(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	id, err := env.svc.CreateLobby(ctx, "ayse", "Ayşe", "")
	require.NoError(t, err)

	feed, err := env.svc.SubscribeLobby(ctx, id)
	require.NoError(t, err)

	first := recv(t, feed.C, time.Second)
	assert.Len(t, first.Lobby.Players, 1)

	_, err = env.svc.JoinLobby(ctx, id, "mehmet", "Mehmet")
	require.NoError(t, err)
	next := recvUntil(t, feed.C, func(u Update) bool { return len(u.Lobby.Players) == 2 })
	assert.Greater(t, next.Version, first.Version)

	feed.Unsubscribe()
	feed.Unsubscribe()
}

func TestSubscribeMissingLobby(t *testing.T) {
	env := newEnv(t)

	feed, err := env.svc.SubscribeLobby(context.Background(), "nope")
	require.NoError(t, err)
	defer feed.Unsubscribe()

	assert.True(t, recv(t, feed.C, time.Second).Deleted)
}

func TestSubscribeOpenLobbies(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	feed, err := env.svc.SubscribeOpenLobbies(ctx)
	require.NoError(t, err)
	defer feed.Unsubscribe()
	assert.Empty(t, recv(t, feed.C, time.Second), "initial list arrives even when empty")

	id, err := env.svc.CreateLobby(ctx, "ayse", "Ayşe", "")
	require.NoError(t, err)
	list := recvUntil(t, feed.C, func(l []engine.Lobby) bool { return len(l) == 1 })
	assert.Equal(t, id, list[0].ID)

	_, err = env.svc.JoinLobby(ctx, id, "mehmet", "Mehmet")
	require.NoError(t, err)
	recvUntil(t, feed.C, func(l []engine.Lobby) bool { return len(l) == 0 })
}

func TestSweep(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	stale, err := env.svc.CreateLobby(ctx, "ayse", "Ayşe", "")
	require.NoError(t, err)
	_, err = env.store.Put(ctx, GameRef(stale), json.RawMessage(`{"lobbyId":"x"}`))
	require.NoError(t, err)
	_, err = env.store.Put(ctx, Ref("garbage"), json.RawMessage(`{"nope":true}`))
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)
	fresh, err := env.svc.CreateLobby(ctx, "mehmet", "Mehmet", "")
	require.NoError(t, err)

	done, err := env.svc.CreateLobby(ctx, "zeynep", "Zeynep", "")
	require.NoError(t, err)
	_, err = env.svc.JoinLobby(ctx, done, "can", "Can")
	require.NoError(t, err)
	require.NoError(t, env.svc.SetPlayerReady(ctx, done, "zeynep", true))
	require.NoError(t, env.svc.SetPlayerReady(ctx, done, "can", true))
	for _, cmd := range []engine.Command{
		{Type: engine.CmdStartGame, PlayerID: "zeynep"},
		{Type: engine.CmdFinishGame},
	} {
		_, _, err = env.svc.Apply(ctx, done, cmd)
		require.NoError(t, err)
	}
	_, err = env.store.Put(ctx, GameRef(done), json.RawMessage(`{"lobbyId":"x"}`))
	require.NoError(t, err)

	n, err := env.svc.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = env.svc.GetLobby(ctx, stale)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.store.Get(ctx, GameRef(stale))
	assert.ErrorIs(t, err, realtime.ErrNotFound)
	_, err = env.svc.GetLobby(ctx, done)
	assert.ErrorIs(t, err, ErrNotFound, "finished lobbies go regardless of age")
	_, err = env.store.Get(ctx, GameRef(done))
	assert.ErrorIs(t, err, realtime.ErrNotFound)
	_, err = env.svc.GetLobby(ctx, fresh)
	assert.NoError(t, err)
}
