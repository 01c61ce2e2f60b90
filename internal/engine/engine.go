package engine

import (
	"errors"
	"fmt"
)

var ErrNotHost = errors.New("only the host can do that")
var ErrNotInLobby = errors.New("player is not in the lobby")
var ErrLobbyFull = errors.New("lobby is full")
var ErrLobbyNotOpen = errors.New("lobby is not accepting players")
var ErrNotWaiting = errors.New("lobby is not in the waiting room")
var ErrNotEnoughPlayers = errors.New("not enough players to start")
var ErrPlayersNotReady = errors.New("not every player is ready")
var ErrInvalidTransition = errors.New("invalid status transition")
var ErrInvalidPlayer = errors.New("invalid player")
var ErrUnsupportedCommand = errors.New("unsupported command")

const (
	MaxPlayers        = 2
	MinPlayersToStart = 2
)

type LobbyStatus string

const (
	StatusWaiting  LobbyStatus = "waiting"
	StatusStarting LobbyStatus = "starting"
	StatusPlaying  LobbyStatus = "playing"
	StatusFinished LobbyStatus = "finished"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "kolay"
	DifficultyMedium Difficulty = "orta"
	DifficultyHard   Difficulty = "zor"
)

type Settings struct {
	EmployeeCount int        `json:"employeeCount"`
	TimeLimit     int        `json:"timeLimit"` // seconds
	Difficulty    Difficulty `json:"difficulty"`
}

type LobbyPlayer struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Ready        bool   `json:"ready"`
	Score        int    `json:"score"`
	EmployeesHit int    `json:"employeesHit"`
	Finished     bool   `json:"finished"`
	FinishTime   *int64 `json:"finishTime,omitempty"`
}

// Lobby is the pre-game room record stored under lobbies/{id}.
type Lobby struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	HostID    string                 `json:"hostId"`
	HostName  string                 `json:"hostName"`
	Players   map[string]LobbyPlayer `json:"players"`
	Settings  Settings               `json:"settings"`
	Status    LobbyStatus            `json:"status"`
	CreatedAt int64                  `json:"createdAt"` // epoch millis
}

type CommandType string

const (
	CmdJoin           CommandType = "Join"
	CmdLeave          CommandType = "Leave"
	CmdSetReady       CommandType = "SetReady"
	CmdUpdateSettings CommandType = "UpdateSettings"
	CmdStartGame      CommandType = "StartGame"
	CmdBeginPlay      CommandType = "BeginPlay"
	CmdFinishGame     CommandType = "FinishGame"
	CmdCloseLobby     CommandType = "CloseLobby"
)

/*
	CmdJoin           -> EvtPlayerJoined
	CmdLeave          -> EvtPlayerLeft -> EvtHostChanged | EvtLobbyEmptied
	CmdSetReady       -> EvtReadyChanged
	CmdUpdateSettings -> EvtSettingsChanged
	CmdStartGame      -> EvtStatusChanged (starting)
	CmdBeginPlay      -> EvtStatusChanged (playing)
	CmdFinishGame     -> EvtStatusChanged (finished)
	CmdCloseLobby     -> EvtLobbyClosed, the caller removes the record
*/

type Command struct {
	Type       CommandType
	PlayerID   string
	PlayerName string
	Ready      bool
	Settings   Settings
}

type EventType string

const (
	EvtPlayerJoined    EventType = "PlayerJoined"
	EvtPlayerLeft      EventType = "PlayerLeft"
	EvtHostChanged     EventType = "HostChanged"
	EvtReadyChanged    EventType = "ReadyChanged"
	EvtSettingsChanged EventType = "SettingsChanged"
	EvtStatusChanged   EventType = "StatusChanged"
	EvtLobbyEmptied    EventType = "LobbyEmptied"
	EvtLobbyClosed     EventType = "LobbyClosed"
)

type Event struct {
	Type     EventType
	PlayerID string
	Status   LobbyStatus
}

// Apply runs one command against a lobby and returns the resulting lobby. The
// input lobby is never modified.
func Apply(l Lobby, cmd Command) ([]Event, Lobby, error) {
	next := l.Clone()

	switch cmd.Type {
	case CmdJoin:
		if cmd.PlayerID == "" || cmd.PlayerName == "" {
			return nil, l, ErrInvalidPlayer
		}
		// Rejoining is a no-op so a retried join never double counts.
		if _, ok := l.Players[cmd.PlayerID]; ok {
			return nil, l, nil
		}
		if l.Status != StatusWaiting {
			return nil, l, ErrLobbyNotOpen
		}
		if len(l.Players) >= MaxPlayers {
			return nil, l, ErrLobbyFull
		}

		next.Players[cmd.PlayerID] = NewPlayer(cmd.PlayerID, cmd.PlayerName)
		return []Event{{Type: EvtPlayerJoined, PlayerID: cmd.PlayerID}}, next, nil

	case CmdLeave:
		if _, ok := l.Players[cmd.PlayerID]; !ok {
			return nil, l, ErrNotInLobby
		}
		delete(next.Players, cmd.PlayerID)
		events := []Event{{Type: EvtPlayerLeft, PlayerID: cmd.PlayerID}}

		if len(next.Players) == 0 {
			return append(events, Event{Type: EvtLobbyEmptied}), next, nil
		}
		if cmd.PlayerID == l.HostID {
			heir := SortedPlayerIDs(next.Players)[0]
			next.HostID = heir
			next.HostName = next.Players[heir].Name
			events = append(events, Event{Type: EvtHostChanged, PlayerID: heir})
		}
		return events, next, nil

	case CmdSetReady:
		p, ok := l.Players[cmd.PlayerID]
		if !ok {
			return nil, l, ErrNotInLobby
		}
		if l.Status != StatusWaiting {
			return nil, l, ErrNotWaiting
		}
		p.Ready = cmd.Ready
		next.Players[cmd.PlayerID] = p
		return []Event{{Type: EvtReadyChanged, PlayerID: cmd.PlayerID}}, next, nil

	case CmdUpdateSettings:
		if cmd.PlayerID != l.HostID {
			return nil, l, ErrNotHost
		}
		if l.Status != StatusWaiting {
			return nil, l, ErrNotWaiting
		}
		if err := cmd.Settings.Validate(); err != nil {
			return nil, l, err
		}
		next.Settings = cmd.Settings
		return []Event{{Type: EvtSettingsChanged, PlayerID: cmd.PlayerID}}, next, nil

	case CmdStartGame:
		if cmd.PlayerID != l.HostID {
			return nil, l, ErrNotHost
		}
		if l.Status != StatusWaiting {
			return nil, l, ErrNotWaiting
		}
		if len(l.Players) < MinPlayersToStart {
			return nil, l, ErrNotEnoughPlayers
		}
		if !CanStart(l) {
			return nil, l, ErrPlayersNotReady
		}
		next.Status = StatusStarting
		return []Event{{Type: EvtStatusChanged, Status: StatusStarting}}, next, nil

	case CmdBeginPlay:
		return transition(l, next, StatusPlaying)

	case CmdFinishGame:
		if l.Status == StatusFinished {
			return nil, l, nil
		}
		return transition(l, next, StatusFinished)

	case CmdCloseLobby:
		if cmd.PlayerID != l.HostID {
			return nil, l, ErrNotHost
		}
		return []Event{{Type: EvtLobbyClosed, PlayerID: cmd.PlayerID}}, next, nil

	default:
		return nil, l, ErrUnsupportedCommand
	}
}

func transition(l, next Lobby, to LobbyStatus) ([]Event, Lobby, error) {
	if !CanTransition(l.Status, to) {
		return nil, l, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, to)
	}
	next.Status = to
	return []Event{{Type: EvtStatusChanged, Status: to}}, next, nil
}
