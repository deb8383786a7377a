package embedding

import (
	"context"
	"time"

	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NoteEmbeddingRepo interface {
	GetByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.NoteEmbedding, error)
	Upsert(ctx context.Context, tx *gorm.DB, rows []*types.NoteEmbedding) error
	DeleteByNoteIDs(ctx context.Context, tx *gorm.DB, userID string, noteIDs []string) error
	DeleteNotIn(ctx context.Context, tx *gorm.DB, userID string, keepNoteIDs []string) error
}

type noteEmbeddingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNoteEmbeddingRepo(db *gorm.DB, baseLog *logger.Logger) NoteEmbeddingRepo {
	repoLog := baseLog.With("repo", "NoteEmbeddingRepo")
	return &noteEmbeddingRepo{db: db, log: repoLog}
}

func (r *noteEmbeddingRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.NoteEmbedding, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.NoteEmbedding
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *noteEmbeddingRepo) Upsert(ctx context.Context, tx *gorm.DB, rows []*types.NoteEmbedding) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(rows) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, row := range rows {
		row.UpdatedAt = now
	}

	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "note_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"note_type", "content_hash", "embedding", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *noteEmbeddingRepo) DeleteByNoteIDs(ctx context.Context, tx *gorm.DB, userID string, noteIDs []string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(noteIDs) == 0 {
		return nil
	}

	return transaction.WithContext(ctx).
		Where("user_id = ? AND note_id IN ?", userID, noteIDs).
		Delete(&types.NoteEmbedding{}).Error
}

// DeleteNotIn removes every embedding row of the user whose note id is not in
// keepNoteIDs. With an empty keep set the user's rows are wiped.
func (r *noteEmbeddingRepo) DeleteNotIn(ctx context.Context, tx *gorm.DB, userID string, keepNoteIDs []string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	q := transaction.WithContext(ctx).Where("user_id = ?", userID)
	if len(keepNoteIDs) > 0 {
		q = q.Where("note_id NOT IN ?", keepNoteIDs)
	}
	return q.Delete(&types.NoteEmbedding{}).Error
}
