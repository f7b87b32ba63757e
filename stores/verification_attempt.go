package stores

import (
	"context"
	"time"

	"github.com/malwarebo/portrait/models"
	"gorm.io/gorm"
)

type VerificationAttemptStore struct {
	BaseStore
}

func CreateVerificationAttemptStore(db *gorm.DB) *VerificationAttemptStore {
	return &VerificationAttemptStore{BaseStore: BaseStore{db: db}}
}

func (s *VerificationAttemptStore) Create(ctx context.Context, attempt *models.VerificationAttempt) error {
	return s.GetDB(ctx).Create(attempt).Error
}

func (s *VerificationAttemptStore) ListRecent(ctx context.Context, limit int) ([]*models.VerificationAttempt, error) {
	var attempts []*models.VerificationAttempt
	query := s.GetDB(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}


func (s *VerificationAttemptStore) ListSince(ctx context.Context, since time.Time) ([]*models.VerificationAttempt, error) {
	var attempts []*models.VerificationAttempt
	err := s.GetDB(ctx).Where("created_at >= ?", since).Order("created_at ASC, id ASC").Find(&attempts).Error
	return attempts, err
}
