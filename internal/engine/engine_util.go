package engine

import (
	"maps"
	"slices"
)

const (
	DefaultEmployeeCount = 5
	DefaultTimeLimit     = 60
	DefaultDifficulty    = DifficultyMedium
)

func DefaultSettings() Settings {
	return Settings{
		EmployeeCount: DefaultEmployeeCount,
		TimeLimit:     DefaultTimeLimit,
		Difficulty:    DefaultDifficulty,
	}
}

func NewPlayer(id, name string) LobbyPlayer {
	return LobbyPlayer{ID: id, Name: name}
}

// NewLobby builds a fresh waiting room where the host is the only, not ready, player.
func NewLobby(id, hostID, hostName, name string, settings Settings, createdAt int64) Lobby {
	if name == "" {
		name = hostName + "'s Lobby"
	}
	return Lobby{
		ID:        id,
		Name:      name,
		HostID:    hostID,
		HostName:  hostName,
		Players:   map[string]LobbyPlayer{hostID: NewPlayer(hostID, hostName)},
		Settings:  settings,
		Status:    StatusWaiting,
		CreatedAt: createdAt,
	}
}

// CanStart reports whether the lobby has enough players and all of them are ready.
func CanStart(l Lobby) bool {
	if len(l.Players) < MinPlayersToStart {
		return false
	}
	for _, p := range l.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// IsOpen is the discovery filter: still waiting and not full.
func IsOpen(l Lobby) bool {
	return l.Status == StatusWaiting && len(l.Players) < MaxPlayers
}

func (l Lobby) Clone() Lobby {
	c := l
	c.Players = make(map[string]LobbyPlayer, len(l.Players))
	maps.Copy(c.Players, l.Players)
	return c
}

// SortedPlayerIDs gives a deterministic iteration order over a players map.
func SortedPlayerIDs[V any](players map[string]V) []string {
	return slices.Sorted(maps.Keys(players))
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
