package types

import "github.com/saksicipatron/patron-server/internal/engine"

type CreateLobbyResponse struct {
	ID string `json:"id"`
}

type JoinLobbyResponse struct {
	Joined bool `json:"joined"`
}

type LobbiesResponse struct {
	Lobbies []engine.Lobby `json:"lobbies"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
