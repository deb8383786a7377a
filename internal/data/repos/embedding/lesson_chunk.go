package embedding

import (
	"context"

	"github.com/google/uuid"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
)

type LessonChunkEmbeddingRepo interface {
	GetByLessonID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) ([]*types.LessonChunkEmbedding, error)
	ReplaceForLesson(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID, rows []*types.LessonChunkEmbedding) error
	DeleteByLessonID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) error
}

type lessonChunkEmbeddingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLessonChunkEmbeddingRepo(db *gorm.DB, baseLog *logger.Logger) LessonChunkEmbeddingRepo {
	repoLog := baseLog.With("repo", "LessonChunkEmbeddingRepo")
	return &lessonChunkEmbeddingRepo{db: db, log: repoLog}
}

func (r *lessonChunkEmbeddingRepo) GetByLessonID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) ([]*types.LessonChunkEmbedding, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.LessonChunkEmbedding
	if err := transaction.WithContext(ctx).
		Where("lesson_id = ?", lessonID).
		Order("chunk_index ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ReplaceForLesson swaps the lesson's chunk set in one transaction so readers
// never observe a half-rebuilt index.
func (r *lessonChunkEmbeddingRepo) ReplaceForLesson(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID, rows []*types.LessonChunkEmbedding) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).Transaction(func(innerTx *gorm.DB) error {
		if err := innerTx.
			Where("lesson_id = ?", lessonID).
			Delete(&types.LessonChunkEmbedding{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return innerTx.Create(&rows).Error
	})
}

func (r *lessonChunkEmbeddingRepo) DeleteByLessonID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	return transaction.WithContext(ctx).
		Where("lesson_id = ?", lessonID).
		Delete(&types.LessonChunkEmbedding{}).Error
}
