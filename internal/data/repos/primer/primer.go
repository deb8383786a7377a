package primer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	apperrors "github.com/hikmahlabs/hikmah-backend/internal/pkg/errors"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PrimerRepo interface {
	GetByUserAndLesson(ctx context.Context, tx *gorm.DB, userID string, lessonID uuid.UUID) (*types.PersonalizedPrimer, error)
	Upsert(ctx context.Context, tx *gorm.DB, row *types.PersonalizedPrimer) error
	MarkStale(ctx context.Context, tx *gorm.DB, userID string, lessonID uuid.UUID) error
	MarkStaleByLessonID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) (int64, error)
}

type primerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPrimerRepo(db *gorm.DB, baseLog *logger.Logger) PrimerRepo {
	repoLog := baseLog.With("repo", "PrimerRepo")
	return &primerRepo{db: db, log: repoLog}
}

func (r *primerRepo) GetByUserAndLesson(ctx context.Context, tx *gorm.DB, userID string, lessonID uuid.UUID) (*types.PersonalizedPrimer, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.PersonalizedPrimer
	if err := transaction.WithContext(ctx).
		Where("user_id = ? AND lesson_id = ?", userID, lessonID).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}

func (r *primerRepo) Upsert(ctx context.Context, tx *gorm.DB, row *types.PersonalizedPrimer) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if row == nil {
		return nil
	}

	row.UpdatedAt = time.Now().UTC()
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "lesson_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"personalized_bullets", "generated_at", "inputs_hash",
				"lesson_version", "memory_version", "ttl_expires_at",
				"stale", "updated_at",
			}),
		}).
		Create(row).Error
}

func (r *primerRepo) MarkStale(ctx context.Context, tx *gorm.DB, userID string, lessonID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Model(&types.PersonalizedPrimer{}).
		Where("user_id = ? AND lesson_id = ?", userID, lessonID).
		Updates(map[string]interface{}{
			"stale":      true,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkStaleByLessonID flags every learner's primer for the lesson. Used by
// lesson-update hooks so stale copies are never served after an edit.
func (r *primerRepo) MarkStaleByLessonID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	res := transaction.WithContext(ctx).
		Model(&types.PersonalizedPrimer{}).
		Where("lesson_id = ? AND stale = false", lessonID).
		Updates(map[string]interface{}{
			"stale":      true,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
