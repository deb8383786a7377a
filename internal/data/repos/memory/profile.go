package memory

import (
	"context"
	"errors"
	"time"

	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	apperrors "github.com/hikmahlabs/hikmah-backend/internal/pkg/errors"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProfileRepo interface {
	Create(ctx context.Context, tx *gorm.DB, profile *types.Profile) error
	GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.Profile, error)
	GetOrCreateByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.Profile, error)
	UpdateCAS(ctx context.Context, tx *gorm.DB, profile *types.Profile) error
}

type profileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProfileRepo(db *gorm.DB, baseLog *logger.Logger) ProfileRepo {
	repoLog := baseLog.With("repo", "ProfileRepo")
	return &profileRepo{db: db, log: repoLog}
}

func (r *profileRepo) Create(ctx context.Context, tx *gorm.DB, profile *types.Profile) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if profile == nil {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(profile).Error; err != nil {
		return err
	}
	return nil
}

func (r *profileRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.Profile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var result types.Profile
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}

func (r *profileRepo) GetOrCreateByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.Profile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	profile := &types.Profile{UserID: userID, MemoryVersion: 1}
	for _, t := range types.AllNoteTypes() {
		if err := profile.SetNotes(t, nil); err != nil {
			return nil, err
		}
	}

	// Races between concurrent first writers resolve on the user_id unique
	// index: the loser's insert is a no-op and the follow-up read wins.
	if err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(profile).Error; err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, transaction, userID)
}

// UpdateCAS persists the profile only if nobody else has written it since it
// was read. The stored lock_version must still equal profile.LockVersion;
// on success the in-memory profile carries the incremented version.
func (r *profileRepo) UpdateCAS(ctx context.Context, tx *gorm.DB, profile *types.Profile) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if profile == nil {
		return nil
	}

	now := time.Now().UTC()
	res := transaction.WithContext(ctx).
		Model(&types.Profile{}).
		Where("id = ? AND lock_version = ?", profile.ID, profile.LockVersion).
		Updates(map[string]interface{}{
			"learning_notes":          profile.LearningNotes,
			"knowledge_notes":         profile.KnowledgeNotes,
			"interest_notes":          profile.InterestNotes,
			"behavior_notes":          profile.BehaviorNotes,
			"preference_notes":        profile.PreferenceNotes,
			"total_interactions":      profile.TotalInteractions,
			"memory_version":          profile.MemoryVersion,
			"last_significant_update": profile.LastSignificantUpdate,
			"lock_version":            profile.LockVersion + 1,
			"updated_at":              now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrVersionConflict
	}

	profile.LockVersion++
	profile.UpdatedAt = now
	return nil
}
