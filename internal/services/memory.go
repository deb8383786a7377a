package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
)

// MemorySummary is the read-model for a learner's memory state.
type MemorySummary struct {
	UserID                string                          `json:"user_id"`
	NoteCounts            map[types.NoteType]int          `json:"note_counts"`
	TotalNotes            int                             `json:"total_notes"`
	TotalInteractions     int                             `json:"total_interactions"`
	MemoryVersion         int                             `json:"memory_version"`
	LastSignificantUpdate *time.Time                      `json:"last_significant_update,omitempty"`
	RecentNotes           map[types.NoteType][]types.Note `json:"recent_notes"`
}

type MemoryService struct {
	db    *gorm.DB
	repos repos.Set
	log   *logger.Logger
}

func NewMemoryService(db *gorm.DB, r repos.Set, baseLog *logger.Logger) *MemoryService {
	return &MemoryService{
		db:    db,
		repos: r,
		log:   baseLog.With("service", "MemoryService"),
	}
}

func (s *MemoryService) GetOrCreateProfile(ctx context.Context, tx *gorm.DB, userID string) (*types.Profile, error) {
	return s.repos.Profile.GetOrCreateByUserID(ctx, tx, userID)
}

// StampNotes assigns ids and creation timestamps to extracted notes that do
// not carry them yet. Ids are minted here so the append, the embedding index
// and the audit trail all agree on them.
func (s *MemoryService) StampNotes(notes []types.Note) []types.Note {
	now := time.Now().UTC()
	stamped := make([]types.Note, len(notes))
	for i, n := range notes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		stamped[i] = n
	}
	return stamped
}

// AppendNotes adds the stamped notes to their collections in memory and
// advances the profile's counters. The caller persists via the profile repo
// so the whole interaction commits in one transaction.
func (s *MemoryService) AppendNotes(profile *types.Profile, notes []types.Note) error {
	byType := make(map[types.NoteType][]types.Note)
	for _, n := range notes {
		byType[n.NoteType] = append(byType[n.NoteType], n)
	}
	for t, additions := range byType {
		existing, err := profile.Notes(t)
		if err != nil {
			return err
		}
		if err := profile.SetNotes(t, append(existing, additions...)); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	profile.TotalInteractions++
	profile.LastSignificantUpdate = &now
	return nil
}

// GetMemorySummary returns counts and the three most recent notes per
// collection, for admin and diagnostics surfaces.
func (s *MemoryService) GetMemorySummary(ctx context.Context, userID string) (MemorySummary, error) {
	profile, err := s.repos.Profile.GetByUserID(ctx, nil, userID)
	if err != nil {
		return MemorySummary{}, err
	}

	counts, total, err := profile.NoteCounts()
	if err != nil {
		return MemorySummary{}, err
	}

	recent := make(map[types.NoteType][]types.Note, len(counts))
	for _, t := range types.AllNoteTypes() {
		notes, err := profile.Notes(t)
		if err != nil {
			return MemorySummary{}, err
		}
		recent[t] = recentNotes(notes, 3)
	}

	return MemorySummary{
		UserID:                userID,
		NoteCounts:            counts,
		TotalNotes:            total,
		TotalInteractions:     profile.TotalInteractions,
		MemoryVersion:         profile.MemoryVersion,
		LastSignificantUpdate: profile.LastSignificantUpdate,
		RecentNotes:           recent,
	}, nil
}
