package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/lobby"
	"github.com/saksicipatron/patron-server/internal/realtime"
)

// SliceUpdate is what a player reports about themself.
type SliceUpdate struct {
	Score          int  `json:"score"`
	EmployeesHit   int  `json:"employeesHit"`
	TotalEmployees int  `json:"totalEmployees"`
	Finished       bool `json:"finished"`
}

// SliceWriter mirrors one player's state into players/{playerId} of the game
// record. It never touches another player's slice.
type SliceWriter struct {
	m        *Manager
	lobbyID  string
	playerID string

	mu  sync.Mutex
	seq int64
}

func (m *Manager) Writer(ctx context.Context, lobbyID, playerID string) (*SliceWriter, error) {
	g, err := m.GetGame(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	cur, ok := g.Players[playerID]
	if !ok {
		return nil, engine.ErrNotInGame
	}
	return &SliceWriter{m: m, lobbyID: lobbyID, playerID: playerID, seq: cur.Seq}, nil
}

// Write stores u as the player's slice. A finished update stamps the finish
// time from the manager clock; after that the slice no longer changes.
func (w *SliceWriter) Write(ctx context.Context, u SliceUpdate) (engine.PlayerSlice, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for attempt := 0; ; attempt++ {
		s := engine.PlayerSlice{
			ID:             w.playerID,
			Score:          u.Score,
			EmployeesHit:   u.EmployeesHit,
			TotalEmployees: u.TotalEmployees,
			Finished:       u.Finished,
			Seq:            w.seq + 1,
		}
		if u.Finished {
			at := w.m.clock.Now().UnixMilli()
			s.FinishTime = &at
		}

		stored, err := w.write(ctx, s)
		if err == nil {
			w.seq = stored.Seq
			return stored, nil
		}
		// Another writer for the same player got ahead; catch up once and retry.
		if errors.Is(err, engine.ErrStaleWrite) && attempt == 0 {
			if err := w.resync(ctx); err != nil {
				return engine.PlayerSlice{}, err
			}
			continue
		}
		return engine.PlayerSlice{}, err
	}
}

func (w *SliceWriter) write(ctx context.Context, s engine.PlayerSlice) (engine.PlayerSlice, error) {
	var stored engine.PlayerSlice
	_, err := w.m.store.Update(ctx, lobby.GameRef(w.lobbyID), func(cur json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrGameNotFound
		}
		g, err := engine.DecodeGame(cur)
		if err != nil {
			return nil, err
		}
		next, err := g.WithSlice(s)
		if err != nil {
			return nil, err
		}
		stored = next.Players[s.ID]
		return engine.Encode(next)
	})
	if errors.Is(err, realtime.ErrNotFound) {
		err = ErrGameNotFound
	}
	return stored, err
}

func (w *SliceWriter) resync(ctx context.Context) error {
	g, err := w.m.GetGame(ctx, w.lobbyID)
	if err != nil {
		return err
	}
	cur, ok := g.Players[w.playerID]
	if !ok {
		return engine.ErrNotInGame
	}
	w.seq = cur.Seq
	return nil
}

func (w *SliceWriter) PlayerID() string { return w.playerID }
