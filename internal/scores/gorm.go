package scores

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormRepository struct {
	db *gorm.DB
}

// OpenGorm connects to dsn and migrates the scores table.
func OpenGorm(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open scores db: %w", err)
	}
	r := NewGormRepository(db)
	if err := r.AutoMigrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) AutoMigrate() error {
	if err := r.db.AutoMigrate(&Score{}); err != nil {
		return fmt.Errorf("migrate scores: %w", err)
	}
	return nil
}

func (r *GormRepository) Save(ctx context.Context, s Score) (Score, error) {
	s.ID = 0
	if err := r.db.WithContext(ctx).Create(&s).Error; err != nil {
		return Score{}, fmt.Errorf("save score: %w", err)
	}
	return s, nil
}

func (r *GormRepository) TopByScore(ctx context.Context, limit int) ([]Score, error) {
	return r.top(ctx, "score DESC, run_seconds ASC, id ASC", limit)
}

func (r *GormRepository) TopByTime(ctx context.Context, limit int) ([]Score, error) {
	return r.top(ctx, "run_seconds ASC, score DESC, id ASC", limit)
}

func (r *GormRepository) top(ctx context.Context, order string, limit int) ([]Score, error) {
	var out []Score
	if err := r.db.WithContext(ctx).Order(order).Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	return out, nil
}

func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
