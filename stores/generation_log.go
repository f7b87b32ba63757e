package stores

import (
	"context"
	"time"

	"github.com/malwarebo/portrait/models"
	"gorm.io/gorm"
)

type GenerationLogStore struct {
	BaseStore
}

func CreateGenerationLogStore(db *gorm.DB) *GenerationLogStore {
	return &GenerationLogStore{BaseStore: BaseStore{db: db}}
}

func (s *GenerationLogStore) Create(ctx context.Context, log *models.GenerationLog) error {
	return s.GetDB(ctx).Create(log).Error
}

func (s *GenerationLogStore) ListByCode(ctx context.Context, code string, limit int) ([]*models.GenerationLog, error) {
	var logs []*models.GenerationLog
	query := s.GetDB(ctx).Where("code = ?", code).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *GenerationLogStore) CountByCode(ctx context.Context, code string) (int64, error) {
	var n int64
	err := s.GetDB(ctx).Model(&models.GenerationLog{}).Where("code = ?", code).Count(&n).Error
	return n, err
}

func (s *GenerationLogStore) ListSince(ctx context.Context, since time.Time) ([]*models.GenerationLog, error) {
	var logs []*models.GenerationLog
	err := s.GetDB(ctx).Where("created_at >= ?", since).Order("created_at ASC, id ASC").Find(&logs).Error
	return logs, err
}
