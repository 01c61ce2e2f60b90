// Package session starts games out of ready lobbies, runs their countdown and
// time limit, and decides when a game is over.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/lobby"
	"github.com/saksicipatron/patron-server/internal/realtime"
	"github.com/saksicipatron/patron-server/internal/scheduler"
)

var ErrGameNotFound = errors.New("game not found")

var errUnchanged = errors.New("game unchanged")

const (
	DefaultCountdown = 3000 * time.Millisecond

	timerCountdown = "countdown"
	timerTimeLimit = "timelimit"

	// opTimeout bounds store calls made from timers and watchers, which have no caller context.
	opTimeout = 5 * time.Second
)

type Manager struct {
	store     realtime.Store
	lobbies   *lobby.Service
	clock     scheduler.Clock
	log       *zap.Logger
	countdown time.Duration
	registry  *registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithClock(clock scheduler.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithCountdown(d time.Duration) Option {
	return func(m *Manager) { m.countdown = d }
}

func NewManager(parent context.Context, store realtime.Store, lobbies *lobby.Service, log *zap.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		store:     store,
		lobbies:   lobbies,
		clock:     scheduler.RealClock{},
		log:       log,
		countdown: DefaultCountdown,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry = newRegistry(ctx)
	return m
}

// session holds everything a running game owns, so stopping it is one call.
type session struct {
	lobbyID string
	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
}

func (s *session) stop() {
	s.sched.Stop()
	s.cancel()
}

// StartGame moves a ready lobby to starting and seeds its game record with a
// countdown that ends after the configured delay. If seeding fails the lobby stays
// in starting; the host can close it or the sweeper removes it later.
func (m *Manager) StartGame(ctx context.Context, lobbyID, hostID string) (engine.GameState, error) {
	_, l, err := m.lobbies.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdStartGame, PlayerID: hostID})
	if err != nil {
		return engine.GameState{}, err
	}

	g := engine.NewGameState(l, m.clock.Now().Add(m.countdown).UnixMilli())
	data, err := engine.Encode(g)
	if err == nil {
		_, err = m.store.Put(ctx, lobby.GameRef(lobbyID), data)
	}
	if err != nil {
		m.log.Error("seeding game failed, lobby left starting", zap.String("lobby_id", lobbyID), zap.Error(err))
		return engine.GameState{}, fmt.Errorf("seed game %s: %w", lobbyID, err)
	}

	if err := m.launch(g); err != nil {
		return engine.GameState{}, err
	}
	m.log.Info("game starting",
		zap.String("lobby_id", lobbyID),
		zap.Int64("start_time", g.StartTime),
		zap.Int("time_limit", g.TimeLimit))
	return g, nil
}

// Resume relaunches timers for games that were running when the process
// stopped. Games whose deadlines passed meanwhile are advanced right away.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	snaps, err := m.store.List(ctx, lobby.GameCollection)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, snap := range snaps {
		g, err := engine.DecodeGame(snap.Data)
		if err != nil {
			m.log.Warn("skipping malformed game", zap.Stringer("ref", snap.Ref), zap.Error(err))
			continue
		}
		if g.Status == engine.GameFinished {
			continue
		}
		if err := m.launch(g); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) launch(g engine.GameState) error {
	lobbyID := g.LobbyID
	sessCtx, cancel := context.WithCancel(m.ctx)
	s := &session{lobbyID: lobbyID, sched: scheduler.New(m.clock), cancel: cancel}

	feed, err := m.SubscribeGame(sessCtx, lobbyID)
	if err != nil {
		cancel()
		return err
	}
	if old := m.registry.register(s); old != nil {
		old.stop()
	}

	now := m.clock.Now().UnixMilli()
	if g.Status == engine.GameCountdown {
		s.sched.Schedule(timerCountdown, untilMillis(now, g.StartTime), func() { m.beginPlay(lobbyID) })
	}
	s.sched.Schedule(timerTimeLimit, untilMillis(now, g.EndTime()), func() { m.expire(lobbyID) })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer feed.Unsubscribe()
		m.watch(lobbyID, feed)
	}()
	return nil
}

func untilMillis(now, at int64) time.Duration {
	return time.Duration(max(at-now, 0)) * time.Millisecond
}

func (m *Manager) beginPlay(lobbyID string) {
	ctx, cancel := context.WithTimeout(m.ctx, opTimeout)
	defer cancel()

	// Two independent writes; a failure of one does not undo the other.
	if _, _, err := m.lobbies.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdBeginPlay}); err != nil {
		m.log.Warn("lobby did not move to playing", zap.String("lobby_id", lobbyID), zap.Error(err))
	}
	if _, err := m.advance(ctx, lobbyID, engine.GamePlaying); err != nil {
		m.log.Warn("game did not move to playing", zap.String("lobby_id", lobbyID), zap.Error(err))
		return
	}
	m.log.Info("game playing", zap.String("lobby_id", lobbyID))
}

func (m *Manager) expire(lobbyID string) {
	ctx, cancel := context.WithTimeout(m.ctx, opTimeout)
	defer cancel()
	if _, err := m.FinishGame(ctx, lobbyID); err != nil {
		m.log.Warn("finishing timed out game failed", zap.String("lobby_id", lobbyID), zap.Error(err))
	}
}

// watch ends the game on the first snapshot that shows a finished player
// while playing, and drops the session when the record disappears.
func (m *Manager) watch(lobbyID string, feed *realtime.Feed[GameUpdate]) {
	for u := range feed.C {
		if u.Deleted {
			if s := m.registry.remove(lobbyID); s != nil {
				s.stop()
			}
			return
		}
		if u.Game.Status != engine.GamePlaying {
			continue
		}
		if _, ok := engine.FirstFinisher(u.Game); !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(m.ctx, opTimeout)
		_, err := m.FinishGame(ctx, lobbyID)
		cancel()
		if err != nil {
			m.log.Warn("finishing game failed", zap.String("lobby_id", lobbyID), zap.Error(err))
		}
		return
	}
}

// advance moves the game record to status without touching the lobby.
func (m *Manager) advance(ctx context.Context, lobbyID string, to engine.GameStatus) (engine.GameState, error) {
	var result engine.GameState
	_, err := m.store.Update(ctx, lobby.GameRef(lobbyID), func(cur json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrGameNotFound
		}
		g, err := engine.DecodeGame(cur)
		if err != nil {
			return nil, err
		}
		winner := ""
		if to == engine.GameFinished {
			winner, _ = engine.Winner(g)
		}
		next, err := g.Advance(to, winner)
		if err != nil {
			return nil, err
		}
		result = next
		if next.Status == g.Status {
			return nil, errUnchanged
		}
		return engine.Encode(next)
	})
	if errors.Is(err, errUnchanged) {
		return result, nil
	}
	if errors.Is(err, realtime.ErrNotFound) {
		err = ErrGameNotFound
	}
	return result, err
}

// FinishGame marks the game and its lobby finished and stops the session.
// The winner is the first player to finish, or the leader when nobody did.
// Finishing twice keeps the first result.
func (m *Manager) FinishGame(ctx context.Context, lobbyID string) (engine.GameState, error) {
	g, err := m.advance(ctx, lobbyID, engine.GameFinished)
	if err != nil {
		return engine.GameState{}, err
	}

	if s := m.registry.remove(lobbyID); s != nil {
		s.stop()
	}

	_, _, err = m.lobbies.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdFinishGame})
	if err != nil && !errors.Is(err, lobby.ErrNotFound) {
		return g, fmt.Errorf("finish lobby %s: %w", lobbyID, err)
	}

	m.log.Info("game finished", zap.String("lobby_id", lobbyID), zap.String("winner_id", g.WinnerID))
	return g, nil
}

func (m *Manager) GetGame(ctx context.Context, lobbyID string) (engine.GameState, error) {
	snap, err := m.store.Get(ctx, lobby.GameRef(lobbyID))
	if errors.Is(err, realtime.ErrNotFound) {
		return engine.GameState{}, ErrGameNotFound
	}
	if err != nil {
		return engine.GameState{}, fmt.Errorf("get game %s: %w", lobbyID, err)
	}
	return engine.DecodeGame(snap.Data)
}

// GameUpdate is one game record delivered by a subscription.
type GameUpdate struct {
	Version int64
	Deleted bool
	Game    engine.GameState
}

func (m *Manager) SubscribeGame(ctx context.Context, lobbyID string) (*realtime.Feed[GameUpdate], error) {
	sub, err := m.store.Subscribe(ctx, lobby.GameRef(lobbyID))
	if err != nil {
		return nil, fmt.Errorf("subscribe game %s: %w", lobbyID, err)
	}
	return realtime.NewFeed(sub, func(snap realtime.Snapshot) (GameUpdate, bool) {
		if !snap.Exists {
			return GameUpdate{Version: snap.Version, Deleted: true}, true
		}
		g, err := engine.DecodeGame(snap.Data)
		if err != nil {
			m.log.Warn("dropping malformed game snapshot", zap.String("lobby_id", lobbyID), zap.Error(err))
			return GameUpdate{}, false
		}
		return GameUpdate{Version: snap.Version, Game: g}, true
	}), nil
}

// Active reports whether lobbyID has a running session.
func (m *Manager) Active(lobbyID string) bool {
	return m.registry.get(lobbyID) != nil
}

// Close stops every session and waits for their watchers.
func (m *Manager) Close() error {
	for _, s := range m.registry.shutdown() {
		s.stop()
	}
	m.cancel()
	m.wg.Wait()
	return nil
}
