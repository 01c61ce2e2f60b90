// Package types defines the websocket wire messages.
package types

import "github.com/saksicipatron/patron-server/internal/engine"

// Client message types.
const (
	MsgSetReady       = "SetReady"
	MsgUpdateSettings = "UpdateSettings"
	MsgLeave          = "Leave"
	MsgStartGame      = "StartGame"
	MsgUpdateSlice    = "UpdateSlice"
)

// Server message types.
const (
	MsgLobbySnapshot = "LobbySnapshot"
	MsgLobbyDeleted  = "LobbyDeleted"
	MsgOpenLobbies   = "OpenLobbies"
	MsgGameSnapshot  = "GameSnapshot"
	MsgGameDeleted   = "GameDeleted"
	MsgError         = "Error"
)

type ClientMessage struct {
	Type           string           `json:"type"`
	Ready          bool             `json:"ready,omitempty"`
	Settings       *engine.Settings `json:"settings,omitempty"`
	Score          int              `json:"score,omitempty"`
	EmployeesHit   int              `json:"employeesHit,omitempty"`
	TotalEmployees int              `json:"totalEmployees,omitempty"`
	Finished       bool             `json:"finished,omitempty"`
}

// ServerMessage carries one snapshot. An empty open lobby list is sent
// without the lobbies field.
type ServerMessage struct {
	Type    string            `json:"type"`
	Version int64             `json:"version,omitempty"`
	Lobby   *engine.Lobby     `json:"lobby,omitempty"`
	Lobbies []engine.Lobby    `json:"lobbies,omitempty"`
	Game    *engine.GameState `json:"game,omitempty"`
	Error   string            `json:"error,omitempty"`
}
