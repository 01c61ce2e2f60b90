package scores

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	scores []Score
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Save(_ context.Context, s Score) (Score, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = uint(len(r.scores) + 1)
	s.Achievements = slices.Clone(s.Achievements)
	r.scores = append(r.scores, s)
	return s, nil
}

func (r *MemoryRepository) TopByScore(_ context.Context, limit int) ([]Score, error) {
	return r.top(limit, func(a, b Score) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.Time, b.Time), cmp.Compare(a.ID, b.ID))
	}), nil
}

func (r *MemoryRepository) TopByTime(_ context.Context, limit int) ([]Score, error) {
	return r.top(limit, func(a, b Score) int {
		return cmp.Or(cmp.Compare(a.Time, b.Time), cmp.Compare(b.Score, a.Score), cmp.Compare(a.ID, b.ID))
	}), nil
}

func (r *MemoryRepository) top(limit int, less func(a, b Score) int) []Score {
	r.mu.RLock()
	out := slices.Clone(r.scores)
	r.mu.RUnlock()

	slices.SortFunc(out, less)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
