package learning

import (
	"context"
	"errors"

	"github.com/google/uuid"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	apperrors "github.com/hikmahlabs/hikmah-backend/internal/pkg/errors"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
)

type LessonRepo interface {
	Create(ctx context.Context, tx *gorm.DB, lesson *types.Lesson) error
	GetByID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) (*types.Lesson, error)
	GetBySlug(ctx context.Context, tx *gorm.DB, slug string) (*types.Lesson, error)
	Update(ctx context.Context, tx *gorm.DB, lesson *types.Lesson) error
	ListSections(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) ([]*types.LessonSection, error)
	CreateSections(ctx context.Context, tx *gorm.DB, sections []*types.LessonSection) error
}

type lessonRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLessonRepo(db *gorm.DB, baseLog *logger.Logger) LessonRepo {
	repoLog := baseLog.With("repo", "LessonRepo")
	return &lessonRepo{db: db, log: repoLog}
}

func (r *lessonRepo) Create(ctx context.Context, tx *gorm.DB, lesson *types.Lesson) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if lesson == nil {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(lesson).Error; err != nil {
		return err
	}
	return nil
}

func (r *lessonRepo) GetByID(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) (*types.Lesson, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Lesson
	if err := transaction.WithContext(ctx).
		Where("id = ?", lessonID).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}

func (r *lessonRepo) GetBySlug(ctx context.Context, tx *gorm.DB, slug string) (*types.Lesson, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Lesson
	if err := transaction.WithContext(ctx).
		Where("slug = ?", slug).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}

func (r *lessonRepo) Update(ctx context.Context, tx *gorm.DB, lesson *types.Lesson) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if lesson == nil {
		return nil
	}

	if err := transaction.WithContext(ctx).Save(lesson).Error; err != nil {
		return err
	}
	return nil
}

func (r *lessonRepo) ListSections(ctx context.Context, tx *gorm.DB, lessonID uuid.UUID) ([]*types.LessonSection, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.LessonSection
	if err := transaction.WithContext(ctx).
		Where("lesson_id = ?", lessonID).
		Order("position ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *lessonRepo) CreateSections(ctx context.Context, tx *gorm.DB, sections []*types.LessonSection) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(sections) == 0 {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(&sections).Error; err != nil {
		return err
	}
	return nil
}
