package scores

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

type Service struct {
	repo Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewService(repo Repository, log *zap.Logger) *Service {
	return &Service{repo: repo, log: log, now: time.Now}
}

// Submit validates s, stamps it with the current time and appends it.
func (s *Service) Submit(ctx context.Context, sc Score) (Score, error) {
	if sc.PlayerCount == 0 {
		sc.PlayerCount = 1
	}
	if err := sc.Validate(); err != nil {
		return Score{}, err
	}
	sc.Timestamp = s.now().UnixMilli()

	saved, err := s.repo.Save(ctx, sc)
	if err != nil {
		s.log.Error("saving score failed", zap.String("player_name", sc.PlayerName), zap.Error(err))
		return Score{}, err
	}
	return saved, nil
}

// Leaderboard never fails: a repository error is logged and yields an empty board.
func (s *Service) Leaderboard(ctx context.Context, order Order, limit int) []Score {
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	var (
		out []Score
		err error
	)
	switch order {
	case OrderTime:
		out, err = s.repo.TopByTime(ctx, limit)
	default:
		out, err = s.repo.TopByScore(ctx, limit)
	}
	if err != nil {
		s.log.Warn("leaderboard query failed", zap.String("order", string(order)), zap.Error(err))
		return []Score{}
	}
	if out == nil {
		out = []Score{}
	}
	return out
}

func ParseOrder(v string) (Order, error) {
	switch Order(v) {
	case "", OrderScore:
		return OrderScore, nil
	case OrderTime:
		return OrderTime, nil
	default:
		return "", fmt.Errorf("%w: unknown order %q", ErrInvalidScore, v)
	}
}
