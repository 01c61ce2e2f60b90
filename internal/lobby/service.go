// Package lobby reads and writes lobby records in the realtime store and
// turns their snapshots into typed subscriptions.
package lobby

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/realtime"
)

const (
	Collection     = "lobbies"
	GameCollection = "games"
)

var ErrNotFound = errors.New("lobby not found")

// errUnchanged aborts an update whose command changed nothing, so no new
// version is written.
var errUnchanged = errors.New("lobby unchanged")

func Ref(lobbyID string) realtime.Ref {
	return realtime.Ref{Collection: Collection, ID: lobbyID}
}

// GameRef is keyed by the lobby id; a lobby has at most one game record.
func GameRef(lobbyID string) realtime.Ref {
	return realtime.Ref{Collection: GameCollection, ID: lobbyID}
}

type Service struct {
	store    realtime.Store
	log      *zap.Logger
	now      func() time.Time
	defaults engine.Settings
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDefaults(settings engine.Settings) Option {
	return func(s *Service) { s.defaults = settings }
}

func NewService(store realtime.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		log:      log,
		now:      time.Now,
		defaults: engine.DefaultSettings(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update is one lobby delivered by a subscription. Deleted is set when the
// record does not exist, either never created or removed since.
type Update struct {
	Version int64
	Deleted bool
	Lobby   engine.Lobby
}

func (s *Service) CreateLobby(ctx context.Context, hostID, hostName, name string) (string, error) {
	if hostID == "" || hostName == "" {
		return "", engine.ErrInvalidPlayer
	}
	id, err := s.store.Create(ctx, Collection, func(id string) (json.RawMessage, error) {
		return engine.Encode(engine.NewLobby(id, hostID, hostName, name, s.defaults, s.now().UnixMilli()))
	})
	if err != nil {
		s.log.Error("create lobby failed", zap.String("player_id", hostID), zap.Error(err))
		return "", fmt.Errorf("create lobby: %w", err)
	}
	s.log.Info("lobby created", zap.String("lobby_id", id), zap.String("player_id", hostID))
	return id, nil
}

func (s *Service) GetLobby(ctx context.Context, lobbyID string) (engine.Lobby, error) {
	snap, err := s.store.Get(ctx, Ref(lobbyID))
	if errors.Is(err, realtime.ErrNotFound) {
		return engine.Lobby{}, ErrNotFound
	}
	if err != nil {
		return engine.Lobby{}, fmt.Errorf("get lobby %s: %w", lobbyID, err)
	}
	return engine.DecodeLobby(snap.Data)
}

// Apply runs cmd against the stored lobby as one atomic read-modify-write.
// Commands that empty or close the lobby delete it together with its game.
func (s *Service) Apply(ctx context.Context, lobbyID string, cmd engine.Command) ([]engine.Event, engine.Lobby, error) {
	var events []engine.Event
	var result engine.Lobby

	_, err := s.store.Update(ctx, Ref(lobbyID), func(cur json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrNotFound
		}
		l, err := engine.DecodeLobby(cur)
		if err != nil {
			return nil, err
		}
		evs, next, err := engine.Apply(l, cmd)
		if err != nil {
			return nil, err
		}
		events, result = evs, next

		switch {
		case len(evs) == 0:
			return nil, errUnchanged
		case engine.ContainsEvent(evs, engine.EvtLobbyEmptied), engine.ContainsEvent(evs, engine.EvtLobbyClosed):
			return nil, nil
		default:
			return engine.Encode(next)
		}
	})
	if errors.Is(err, errUnchanged) {
		return nil, result, nil
	}
	if errors.Is(err, realtime.ErrNotFound) {
		err = ErrNotFound
	}
	if err != nil {
		return nil, engine.Lobby{}, err
	}

	if engine.ContainsEvent(events, engine.EvtLobbyEmptied) || engine.ContainsEvent(events, engine.EvtLobbyClosed) {
		s.dropGame(ctx, lobbyID)
		s.log.Info("lobby removed", zap.String("lobby_id", lobbyID), zap.String("player_id", cmd.PlayerID))
	}
	return events, result, nil
}

func (s *Service) dropGame(ctx context.Context, lobbyID string) {
	err := s.store.Delete(ctx, GameRef(lobbyID))
	if err != nil && !errors.Is(err, realtime.ErrNotFound) {
		s.log.Warn("delete game record failed", zap.String("lobby_id", lobbyID), zap.Error(err))
	}
}

// JoinLobby adds the player if the lobby is still waiting and has room. The
// capacity check and the write happen atomically, so two joiners can never
// overfill a lobby. A player already in the lobby joins again successfully.
func (s *Service) JoinLobby(ctx context.Context, lobbyID, playerID, playerName string) (bool, error) {
	_, _, err := s.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdJoin, PlayerID: playerID, PlayerName: playerName})
	if err != nil {
		s.log.Info("join rejected", zap.String("lobby_id", lobbyID), zap.String("player_id", playerID), zap.Error(err))
		return false, err
	}
	return true, nil
}

// UpdateLobbySettings replaces the whole settings object. Host only.
func (s *Service) UpdateLobbySettings(ctx context.Context, lobbyID, actorID string, settings engine.Settings) error {
	_, _, err := s.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdUpdateSettings, PlayerID: actorID, Settings: settings})
	return err
}

// SetPlayerReady overwrites the player's ready flag and nothing else. The
// membership and waiting-room checks run inside the same atomic update, so a
// toggle that races StartGame cannot land on a lobby that already left the
// waiting room.
func (s *Service) SetPlayerReady(ctx context.Context, lobbyID, playerID string, ready bool) error {
	_, _, err := s.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdSetReady, PlayerID: playerID, Ready: ready})
	return err
}

func (s *Service) LeaveLobby(ctx context.Context, lobbyID, playerID string) error {
	_, _, err := s.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdLeave, PlayerID: playerID})
	return err
}

// CloseLobby removes the lobby and its game. Host only.
func (s *Service) CloseLobby(ctx context.Context, lobbyID, actorID string) error {
	_, _, err := s.Apply(ctx, lobbyID, engine.Command{Type: engine.CmdCloseLobby, PlayerID: actorID})
	return err
}

// GetAvailableLobbies is a point in time read of joinable lobbies, newest first.
func (s *Service) GetAvailableLobbies(ctx context.Context) ([]engine.Lobby, error) {
	snaps, err := s.store.List(ctx, Collection)
	if err != nil {
		return nil, fmt.Errorf("list lobbies: %w", err)
	}
	open := make([]engine.Lobby, 0, len(snaps))
	for _, snap := range snaps {
		l, err := engine.DecodeLobby(snap.Data)
		if err != nil {
			s.log.Warn("skipping malformed lobby", zap.Stringer("ref", snap.Ref), zap.Error(err))
			continue
		}
		if engine.IsOpen(l) {
			open = append(open, l)
		}
	}
	sortNewestFirst(open)
	return open, nil
}

func sortNewestFirst(lobbies []engine.Lobby) {
	slices.SortFunc(lobbies, func(a, b engine.Lobby) int {
		return cmp.Or(cmp.Compare(b.CreatedAt, a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}

// SubscribeLobby delivers the lobby now and after every change to it.
func (s *Service) SubscribeLobby(ctx context.Context, lobbyID string) (*realtime.Feed[Update], error) {
	sub, err := s.store.Subscribe(ctx, Ref(lobbyID))
	if err != nil {
		return nil, fmt.Errorf("subscribe lobby %s: %w", lobbyID, err)
	}
	return realtime.NewFeed(sub, func(snap realtime.Snapshot) (Update, bool) {
		if !snap.Exists {
			return Update{Version: snap.Version, Deleted: true}, true
		}
		l, err := engine.DecodeLobby(snap.Data)
		if err != nil {
			s.log.Warn("dropping malformed lobby snapshot", zap.String("lobby_id", lobbyID), zap.Error(err))
			return Update{}, false
		}
		return Update{Version: snap.Version, Lobby: l}, true
	}), nil
}

// SubscribeOpenLobbies delivers the joinable lobby list now and again after
// any lobby changes.
func (s *Service) SubscribeOpenLobbies(ctx context.Context) (*realtime.Feed[[]engine.Lobby], error) {
	sub, err := s.store.SubscribeCollection(ctx, Collection)
	if err != nil {
		return nil, fmt.Errorf("subscribe lobbies: %w", err)
	}
	initial, err := s.store.List(ctx, Collection)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe lobbies: %w", err)
	}

	return realtime.Pipe(sub, func(in <-chan realtime.Snapshot, emit func([]engine.Lobby) bool) {
		seen := make(map[string]int64)
		open := make(map[string]engine.Lobby)

		apply := func(snap realtime.Snapshot) bool {
			if v, ok := seen[snap.Ref.ID]; ok && snap.Version <= v {
				return false
			}
			seen[snap.Ref.ID] = snap.Version
			_, wasOpen := open[snap.Ref.ID]
			delete(open, snap.Ref.ID)

			if snap.Exists {
				if l, err := engine.DecodeLobby(snap.Data); err == nil && engine.IsOpen(l) {
					open[l.ID] = l
					return true
				}
			}
			return wasOpen
		}

		for _, snap := range initial {
			apply(snap)
		}
		if !emit(listOpen(open)) {
			return
		}
		for snap := range in {
			if apply(snap) && !emit(listOpen(open)) {
				return
			}
		}
	}), nil
}

func listOpen(open map[string]engine.Lobby) []engine.Lobby {
	out := make([]engine.Lobby, 0, len(open))
	for _, l := range open {
		out = append(out, l)
	}
	sortNewestFirst(out)
	return out
}
