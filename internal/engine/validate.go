package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidSettings = errors.New("invalid settings")
var ErrMalformedRecord = errors.New("malformed record")

const (
	MaxEmployees = 20
	MinTimeLimit = 10
	MaxTimeLimit = 600
	MaxNameLen   = 64
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

func (s LobbyStatus) Valid() bool {
	_, ok := LobbyTransitions[s]
	return ok
}

func (s GameStatus) Valid() bool {
	_, ok := GameTransitions[s]
	return ok
}

func (s Settings) Validate() error {
	if s.EmployeeCount < 1 || s.EmployeeCount > MaxEmployees {
		return fmt.Errorf("%w: employeeCount %d outside 1..%d", ErrInvalidSettings, s.EmployeeCount, MaxEmployees)
	}
	if s.TimeLimit < MinTimeLimit || s.TimeLimit > MaxTimeLimit {
		return fmt.Errorf("%w: timeLimit %d outside %d..%d", ErrInvalidSettings, s.TimeLimit, MinTimeLimit, MaxTimeLimit)
	}
	if !s.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidSettings, s.Difficulty)
	}
	return nil
}

func (p LobbyPlayer) Validate() error {
	if p.ID == "" || p.Name == "" || len(p.Name) > MaxNameLen {
		return fmt.Errorf("%w: player %q", ErrMalformedRecord, p.ID)
	}
	if p.Score < 0 || p.EmployeesHit < 0 {
		return fmt.Errorf("%w: player %q has negative counters", ErrMalformedRecord, p.ID)
	}
	return nil
}

func (l Lobby) Validate() error {
	if l.ID == "" || l.HostID == "" || l.Name == "" {
		return fmt.Errorf("%w: lobby missing id, host or name", ErrMalformedRecord)
	}
	if !l.Status.Valid() {
		return fmt.Errorf("%w: lobby status %q", ErrMalformedRecord, l.Status)
	}
	if err := l.Settings.Validate(); err != nil {
		return err
	}
	if len(l.Players) > MaxPlayers {
		return fmt.Errorf("%w: %d players exceeds %d", ErrMalformedRecord, len(l.Players), MaxPlayers)
	}
	if _, ok := l.Players[l.HostID]; !ok {
		return fmt.Errorf("%w: host %q is not a player", ErrMalformedRecord, l.HostID)
	}
	for id, p := range l.Players {
		if id != p.ID {
			return fmt.Errorf("%w: player key %q holds %q", ErrMalformedRecord, id, p.ID)
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s PlayerSlice) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: slice without id", ErrMalformedRecord)
	}
	if s.Score < 0 || s.EmployeesHit < 0 || s.TotalEmployees < 0 || s.TotalEmployees > MaxEmployees {
		return fmt.Errorf("%w: slice %q counters out of range", ErrMalformedRecord, s.ID)
	}
	if s.EmployeesHit > s.TotalEmployees {
		return fmt.Errorf("%w: slice %q hit %d of %d", ErrMalformedRecord, s.ID, s.EmployeesHit, s.TotalEmployees)
	}
	if s.Finished && s.FinishTime == nil {
		return fmt.Errorf("%w: slice %q finished without finishTime", ErrMalformedRecord, s.ID)
	}
	return nil
}

func (g GameState) Validate() error {
	if g.LobbyID == "" {
		return fmt.Errorf("%w: game without lobbyId", ErrMalformedRecord)
	}
	if !g.Status.Valid() {
		return fmt.Errorf("%w: game status %q", ErrMalformedRecord, g.Status)
	}
	if g.TimeLimit <= 0 {
		return fmt.Errorf("%w: game timeLimit %d", ErrMalformedRecord, g.TimeLimit)
	}
	if len(g.Players) > MaxPlayers {
		return fmt.Errorf("%w: %d slices exceeds %d", ErrMalformedRecord, len(g.Players), MaxPlayers)
	}
	for id, s := range g.Players {
		if id != s.ID {
			return fmt.Errorf("%w: slice key %q holds %q", ErrMalformedRecord, id, s.ID)
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if g.WinnerID != "" {
		if _, ok := g.Players[g.WinnerID]; !ok {
			return fmt.Errorf("%w: winner %q is not a player", ErrMalformedRecord, g.WinnerID)
		}
	}
	return nil
}

type validator interface{ Validate() error }

// Encode validates a record before it is allowed anywhere near the store.
func Encode[T validator](rec T) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func DecodeLobby(data []byte) (Lobby, error) {
	var l Lobby
	if err := json.Unmarshal(data, &l); err != nil {
		return Lobby{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if l.Players == nil {
		l.Players = map[string]LobbyPlayer{}
	}
	if err := l.Validate(); err != nil {
		return Lobby{}, err
	}
	return l, nil
}

func DecodeGame(data []byte) (GameState, error) {
	var g GameState
	if err := json.Unmarshal(data, &g); err != nil {
		return GameState{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if g.Players == nil {
		g.Players = map[string]PlayerSlice{}
	}
	if err := g.Validate(); err != nil {
		return GameState{}, err
	}
	return g, nil
}
