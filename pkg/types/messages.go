// Package types holds the HTTP request and response bodies of the patron
// server, shared with external clients such as the load bot.
package types

import "github.com/saksicipatron/patron-server/internal/engine"

// Requests. Every lobby request names the acting player; there is no
// authentication beyond that.

type CreateLobbyRequest struct {
	HostID   string `json:"hostId"`
	HostName string `json:"hostName"`
	Name     string `json:"name,omitempty"`
}

type JoinLobbyRequest struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

type PlayerRequest struct {
	PlayerID string `json:"playerId"`
}

type ReadyRequest struct {
	PlayerID string `json:"playerId"`
	Ready    bool   `json:"ready"`
}

type SettingsRequest struct {
	PlayerID string          `json:"playerId"`
	Settings engine.Settings `json:"settings"`
}

type SliceRequest struct {
	Score          int  `json:"score"`
	EmployeesHit   int  `json:"employeesHit"`
	TotalEmployees int  `json:"totalEmployees"`
	Finished       bool `json:"finished"`
}

type ScoreRequest struct {
	PlayerName   string            `json:"playerName"`
	Score        int               `json:"score"`
	Time         float64           `json:"time"`
	Difficulty   engine.Difficulty `json:"difficulty"`
	Combo        int               `json:"combo"`
	Achievements []string          `json:"achievements"`
	PlayerCount  int               `json:"playerCount"`
}
