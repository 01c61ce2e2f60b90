package scores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newGormRepository(t *testing.T) *GormRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("scores"),
		postgres.WithUsername("scores"),
		postgres.WithPassword("scores"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	repo, err := OpenGorm(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestGormRepository(t *testing.T) {
	repo := newGormRepository(t)
	ctx := context.Background()

	withAchievements := run("Mehmet", 50, 30)
	withAchievements.Achievements = []string{"Hızlı", "Kombo x3"}
	for _, s := range []Score{run("Ayşe", 40, 25), withAchievements, run("Zeynep", 50, 18)} {
		_, err := repo.Save(ctx, s)
		require.NoError(t, err)
	}

	byScore, err := repo.TopByScore(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Zeynep", "Mehmet", "Ayşe"}, names(byScore))
	assert.Equal(t, []string{"Hızlı", "Kombo x3"}, []string(byScore[1].Achievements))

	byTime, err := repo.TopByTime(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Zeynep"}, names(byTime))
}
