package engine

import "slices"

var LobbyTransitions = map[LobbyStatus][]LobbyStatus{
	StatusWaiting:  {StatusStarting},
	StatusStarting: {StatusPlaying, StatusFinished},
	StatusPlaying:  {StatusFinished},
	StatusFinished: {},
}

var GameTransitions = map[GameStatus][]GameStatus{
	GameCountdown: {GamePlaying, GameFinished},
	GamePlaying:   {GameFinished},
	GameFinished:  {},
}

func CanTransition(from, to LobbyStatus) bool {
	return slices.Contains(LobbyTransitions[from], to)
}

func CanAdvanceGame(from, to GameStatus) bool {
	return slices.Contains(GameTransitions[from], to)
}
