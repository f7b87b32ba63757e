package stores

import (
	"context"

	"github.com/malwarebo/portrait/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"
)

type AccessCodeStore struct {
	BaseStore
}

func CreateAccessCodeStore(db *gorm.DB) *AccessCodeStore {
	return &AccessCodeStore{BaseStore: BaseStore{db: db}}
}

// GetByCode reads from the primary so a commit is visible to the next reserve.
func (s *AccessCodeStore) GetByCode(ctx context.Context, code string) (*models.AccessCode, error) {
	var ac models.AccessCode
	err := s.GetDB(ctx).Clauses(dbresolver.Write).Where("code = ?", code).First(&ac).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ac, nil
}

// IncrementUsage adds one use in a single UPDATE. The guard keeps
// used_count <= max_uses when two holders of the last use finish together;
// the loser sees zero rows affected.
func (s *AccessCodeStore) IncrementUsage(ctx context.Context, code string) (int64, error) {
	result := s.GetDB(ctx).Model(&models.AccessCode{}).
		Where("code = ? AND status = ? AND used_count < max_uses", code, models.CodeStatusActive).
		UpdateColumn("used_count", gorm.Expr("used_count + ?", 1))
	return result.RowsAffected, result.Error
}

// CreateBatch inserts the candidates and returns the ones that were new.
func (s *AccessCodeStore) CreateBatch(ctx context.Context, codes []string, maxUses int) ([]string, error) {
	created := make([]string, 0, len(codes))
	err := s.WithTransaction(ctx, func(txCtx context.Context) error {
		for _, code := range codes {
			ac := &models.AccessCode{Code: code, MaxUses: maxUses, Status: models.CodeStatusActive}
			result := s.GetDB(txCtx).Clauses(clause.OnConflict{DoNothing: true}).Create(ac)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				created = append(created, code)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *AccessCodeStore) List(ctx context.Context, filter models.AccessCodeFilter) ([]*models.AccessCode, error) {
	var codes []*models.AccessCode

	query := s.GetDB(ctx).Model(&models.AccessCode{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Order("code ASC").Find(&codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *AccessCodeStore) ListActiveCodes(ctx context.Context) ([]string, error) {
	var codes []string
	err := s.GetDB(ctx).Model(&models.AccessCode{}).
		Where("status = ?", models.CodeStatusActive).
		Order("code ASC").
		Pluck("code", &codes).Error
	return codes, err
}

func (s *AccessCodeStore) DeleteByCodes(ctx context.Context, codes []string) (int64, error) {
	result := s.GetDB(ctx).Where("code IN ?", codes).Delete(&models.AccessCode{})
	return result.RowsAffected, result.Error
}

func (s *AccessCodeStore) UpdateStatus(ctx context.Context, codes []string, status models.CodeStatus) (int64, error) {
	result := s.GetDB(ctx).Model(&models.AccessCode{}).
		Where("code IN ?", codes).
		UpdateColumn("status", status)
	return result.RowsAffected, result.Error
}

func (s *AccessCodeStore) Reset(ctx context.Context, code string) (int64, error) {
	result := s.GetDB(ctx).Model(&models.AccessCode{}).
		Where("code = ?", code).
		UpdateColumns(map[string]interface{}{
			"used_count": 0,
			"status":     models.CodeStatusActive,
		})
	return result.RowsAffected, result.Error
}
