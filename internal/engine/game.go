package engine

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrNotInGame = errors.New("player is not in the game")
var ErrStaleWrite = errors.New("stale slice write")
var ErrSliceFinished = errors.New("player already finished")
var ErrGameFinished = errors.New("game already finished")
var ErrNotPlaying = errors.New("game is not live yet")

type GameStatus string

const (
	GameCountdown GameStatus = "countdown"
	GamePlaying   GameStatus = "playing"
	GameFinished  GameStatus = "finished"
)

// PlayerSlice is the part of the game record owned by exactly one player.
type PlayerSlice struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Score          int    `json:"score"`
	EmployeesHit   int    `json:"employeesHit"`
	TotalEmployees int    `json:"totalEmployees"`
	Finished       bool   `json:"finished"`
	FinishTime     *int64 `json:"finishTime,omitempty"`
	Seq            int64  `json:"seq"`
}

// GameState is stored under games/{lobbyId}.
type GameState struct {
	LobbyID   string                 `json:"lobbyId"`
	Players   map[string]PlayerSlice `json:"players"`
	StartTime int64                  `json:"startTime"` // epoch millis, end of countdown
	TimeLimit int                    `json:"timeLimit"` // seconds
	Status    GameStatus             `json:"status"`
	WinnerID  string                 `json:"winnerId,omitempty"`
}

// NewGameState seeds one empty slice per lobby player.
func NewGameState(l Lobby, startTime int64) GameState {
	g := GameState{
		LobbyID:   l.ID,
		Players:   make(map[string]PlayerSlice, len(l.Players)),
		StartTime: startTime,
		TimeLimit: l.Settings.TimeLimit,
		Status:    GameCountdown,
	}
	for id, p := range l.Players {
		g.Players[id] = PlayerSlice{ID: id, Name: p.Name, TotalEmployees: l.Settings.EmployeeCount}
	}
	return g
}

func (g GameState) Clone() GameState {
	c := g
	c.Players = make(map[string]PlayerSlice, len(g.Players))
	maps.Copy(c.Players, g.Players)
	return c
}

// EndTime is when the time limit runs out, in epoch millis.
func (g GameState) EndTime() int64 {
	return g.StartTime + int64(g.TimeLimit)*1000
}

// WithSlice replaces the owner's slice. The write must carry a newer Seq than
// the stored one, so a delayed or duplicated write never rolls a slice back.
// Slices only change while the game is playing.
func (g GameState) WithSlice(s PlayerSlice) (GameState, error) {
	cur, ok := g.Players[s.ID]
	if !ok {
		return g, ErrNotInGame
	}
	if g.Status == GameFinished {
		return g, ErrGameFinished
	}
	if g.Status != GamePlaying {
		return g, ErrNotPlaying
	}
	if cur.Finished {
		return g, ErrSliceFinished
	}
	if s.Seq <= cur.Seq {
		return g, fmt.Errorf("%w: seq %d <= %d", ErrStaleWrite, s.Seq, cur.Seq)
	}
	s.Name = cur.Name
	if err := s.Validate(); err != nil {
		return g, err
	}

	next := g.Clone()
	next.Players[s.ID] = s
	return next, nil
}

// Advance moves the game to status, latching winnerID when finishing.
// Finishing an already finished game is a no-op and keeps the first winner.
func (g GameState) Advance(to GameStatus, winnerID string) (GameState, error) {
	if g.Status == GameFinished && to == GameFinished {
		return g, nil
	}
	if !CanAdvanceGame(g.Status, to) {
		return g, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, to)
	}
	next := g.Clone()
	next.Status = to
	if to == GameFinished {
		next.WinnerID = winnerID
	}
	return next, nil
}

// FirstFinisher picks the winner among finished slices: earliest finishTime,
// then lowest player id, so two simultaneous finishes always resolve the same way.
func FirstFinisher(g GameState) (string, bool) {
	var finished []PlayerSlice
	for _, s := range g.Players {
		if s.Finished {
			finished = append(finished, s)
		}
	}
	if len(finished) == 0 {
		return "", false
	}
	slices.SortFunc(finished, func(a, b PlayerSlice) int {
		return cmp.Or(
			cmp.Compare(finishTimeOf(a), finishTimeOf(b)),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return finished[0].ID, true
}

// Leader is used when the clock runs out: highest score, then most hits, then lowest id.
func Leader(g GameState) (string, bool) {
	ids := SortedPlayerIDs(g.Players)
	if len(ids) == 0 {
		return "", false
	}
	best := g.Players[ids[0]]
	for _, id := range ids[1:] {
		s := g.Players[id]
		if s.Score > best.Score || (s.Score == best.Score && s.EmployeesHit > best.EmployeesHit) {
			best = s
		}
	}
	return best.ID, true
}

// Winner prefers a finisher and falls back to the leader.
func Winner(g GameState) (string, bool) {
	if id, ok := FirstFinisher(g); ok {
		return id, true
	}
	return Leader(g)
}

func finishTimeOf(s PlayerSlice) int64 {
	if s.FinishTime == nil {
		return 0
	}
	return *s.FinishTime
}
