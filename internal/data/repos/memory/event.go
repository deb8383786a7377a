package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventRepo interface {
	Create(ctx context.Context, tx *gorm.DB, event *types.Event) error
	GetByID(ctx context.Context, tx *gorm.DB, eventID uuid.UUID) (*types.Event, error)
	ListByUserID(ctx context.Context, tx *gorm.DB, userID string, limit int) ([]*types.Event, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, notesAdded datatypes.JSON, reasoning string) error
	MarkFailed(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, reasoning string) error
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	repoLog := baseLog.With("repo", "EventRepo")
	return &eventRepo{db: db, log: repoLog}
}

func (r *eventRepo) Create(ctx context.Context, tx *gorm.DB, event *types.Event) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if event == nil {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(event).Error; err != nil {
		return err
	}
	return nil
}

func (r *eventRepo) GetByID(ctx context.Context, tx *gorm.DB, eventID uuid.UUID) (*types.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Event
	if err := transaction.WithContext(ctx).
		Where("id = ?", eventID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *eventRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID string, limit int) ([]*types.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.Event
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

func (r *eventRepo) MarkProcessed(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, notesAdded datatypes.JSON, reasoning string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&types.Event{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_status":    types.EventStatusProcessed,
			"notes_added":          notesAdded,
			"processing_reasoning": reasoning,
			"processed_at":         now,
		}).Error
}

func (r *eventRepo) MarkFailed(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, reasoning string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&types.Event{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_status":    types.EventStatusFailed,
			"processing_reasoning": reasoning,
			"processed_at":         now,
		}).Error
}
