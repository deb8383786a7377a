package memory

import (
	"context"

	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
)

type ConsolidationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, record *types.Consolidation) error
	ListByUserID(ctx context.Context, tx *gorm.DB, userID string, limit int) ([]*types.Consolidation, error)
	CountByUserID(ctx context.Context, tx *gorm.DB, userID string) (int64, error)
}

type consolidationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConsolidationRepo(db *gorm.DB, baseLog *logger.Logger) ConsolidationRepo {
	repoLog := baseLog.With("repo", "ConsolidationRepo")
	return &consolidationRepo{db: db, log: repoLog}
}

func (r *consolidationRepo) Create(ctx context.Context, tx *gorm.DB, record *types.Consolidation) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if record == nil {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(record).Error; err != nil {
		return err
	}
	return nil
}

func (r *consolidationRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID string, limit int) ([]*types.Consolidation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.Consolidation
	q := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *consolidationRepo) CountByUserID(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.Consolidation{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
