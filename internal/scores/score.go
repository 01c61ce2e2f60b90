// Package scores is the append-only log of finished runs and the leaderboard
// queries over it.
package scores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/saksicipatron/patron-server/internal/engine"
)

var ErrInvalidScore = errors.New("invalid score")

type Order string

const (
	OrderScore Order = "score" // highest first
	OrderTime  Order = "time"  // fastest first
)

// Score is one finished run. Timestamp is epoch millis, set when saved.
type Score struct {
	ID           uint              `json:"id" gorm:"primaryKey"`
	PlayerName   string            `json:"playerName" gorm:"size:64;not null"`
	Score        int               `json:"score" gorm:"not null;index"`
	Time         float64           `json:"time" gorm:"column:run_seconds;not null;index"` // seconds
	Difficulty   engine.Difficulty `json:"difficulty" gorm:"size:8;not null"`
	Timestamp    int64             `json:"timestamp" gorm:"not null"`
	Combo        int               `json:"combo" gorm:"not null;default:0"`
	Achievements pq.StringArray    `json:"achievements" gorm:"type:text[]"`
	PlayerCount  int               `json:"playerCount" gorm:"not null;default:1"`
	CreatedAt    time.Time         `json:"-"`
}

func (s Score) Validate() error {
	if s.PlayerName == "" || len(s.PlayerName) > engine.MaxNameLen {
		return fmt.Errorf("%w: player name must be 1..%d bytes", ErrInvalidScore, engine.MaxNameLen)
	}
	if s.Score < 0 || s.Time < 0 || s.Combo < 0 {
		return fmt.Errorf("%w: negative counters", ErrInvalidScore)
	}
	if !s.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidScore, s.Difficulty)
	}
	if s.PlayerCount < 1 || s.PlayerCount > engine.MaxPlayers {
		return fmt.Errorf("%w: player count %d", ErrInvalidScore, s.PlayerCount)
	}
	return nil
}

type Repository interface {
	Save(ctx context.Context, s Score) (Score, error)
	TopByScore(ctx context.Context, limit int) ([]Score, error)
	TopByTime(ctx context.Context, limit int) ([]Score, error)
}
