package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Profile is the per-learner memory document. The five note collections are
// stored as jsonb arrays on the row itself; concurrent writers are serialized
// through LockVersion (compare-and-swap on update).
type Profile struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID string    `gorm:"not null;uniqueIndex" json:"user_id"`

	LearningNotes   datatypes.JSON `gorm:"type:jsonb;column:learning_notes" json:"learning_notes"`
	KnowledgeNotes  datatypes.JSON `gorm:"type:jsonb;column:knowledge_notes" json:"knowledge_notes"`
	InterestNotes   datatypes.JSON `gorm:"type:jsonb;column:interest_notes" json:"interest_notes"`
	BehaviorNotes   datatypes.JSON `gorm:"type:jsonb;column:behavior_notes" json:"behavior_notes"`
	PreferenceNotes datatypes.JSON `gorm:"type:jsonb;column:preference_notes" json:"preference_notes"`

	TotalInteractions     int        `gorm:"not null;default:0" json:"total_interactions"`
	MemoryVersion         int        `gorm:"not null;default:1" json:"memory_version"`
	LockVersion           int        `gorm:"not null;default:0" json:"lock_version"`
	LastSignificantUpdate *time.Time `json:"last_significant_update,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Profile) TableName() string { return "memory_profile" }

// Notes decodes one collection. A null or empty column decodes to nil.
func (p *Profile) Notes(t NoteType) ([]Note, error) {
	raw := p.column(t)
	if raw == nil || len(*raw) == 0 {
		return nil, nil
	}
	var notes []Note
	if err := json.Unmarshal(*raw, &notes); err != nil {
		return nil, fmt.Errorf("decode %s notes: %w", t, err)
	}
	return notes, nil
}

// SetNotes replaces one collection.
func (p *Profile) SetNotes(t NoteType, notes []Note) error {
	if !t.Valid() {
		return fmt.Errorf("unknown note type %q", t)
	}
	if notes == nil {
		notes = []Note{}
	}
	raw, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("encode %s notes: %w", t, err)
	}
	*p.column(t) = datatypes.JSON(raw)
	return nil
}

// AllNotes returns every note across the five collections, in canonical
// collection order.
func (p *Profile) AllNotes() ([]Note, error) {
	var all []Note
	for _, t := range AllNoteTypes() {
		notes, err := p.Notes(t)
		if err != nil {
			return nil, err
		}
		all = append(all, notes...)
	}
	return all, nil
}

// NoteCounts returns the per-collection sizes and the grand total.
func (p *Profile) NoteCounts() (map[NoteType]int, int, error) {
	counts := make(map[NoteType]int, 5)
	total := 0
	for _, t := range AllNoteTypes() {
		notes, err := p.Notes(t)
		if err != nil {
			return nil, 0, err
		}
		counts[t] = len(notes)
		total += len(notes)
	}
	return counts, total, nil
}

func (p *Profile) column(t NoteType) *datatypes.JSON {
	switch t {
	case NoteTypeLearning:
		return &p.LearningNotes
	case NoteTypeKnowledge:
		return &p.KnowledgeNotes
	case NoteTypeInterest:
		return &p.InterestNotes
	case NoteTypeBehavior:
		return &p.BehaviorNotes
	case NoteTypePreference:
		return &p.PreferenceNotes
	default:
		return nil
	}
}
