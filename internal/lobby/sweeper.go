package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/realtime"
)

// Sweep deletes finished lobbies, lobbies created more than ttl ago, and any
// lobby record that no longer decodes, together with their game records. It returns how many
// lobbies were removed.
func (s *Service) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	snaps, err := s.store.List(ctx, Collection)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-ttl).UnixMilli()

	removed := 0
	var errs error
	for _, snap := range snaps {
		l, err := engine.DecodeLobby(snap.Data)
		if err == nil && l.Status != engine.StatusFinished && l.CreatedAt > cutoff {
			continue
		}

		err = s.store.Delete(ctx, snap.Ref)
		if errors.Is(err, realtime.ErrNotFound) {
			continue // someone else got there first
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.dropGame(ctx, snap.Ref.ID)
		removed++
	}
	return removed, errs
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx, ttl)
			if err != nil {
				s.log.Warn("lobby sweep incomplete", zap.Int("removed", n), zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("swept stale lobbies", zap.Int("removed", n))
			}
		}
	}
}
