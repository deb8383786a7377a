package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ConsolidationTypeAutomatic = "automatic"
	ConsolidationTypeManual    = "manual"
)

// Consolidation records one compaction of a profile's note collections.
// Append-only: rows are never updated or deleted.
type Consolidation struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID string    `gorm:"not null;index" json:"user_id"`

	ConsolidationType string `gorm:"not null" json:"consolidation_type"`
	NotesBeforeCount  int    `gorm:"not null" json:"notes_before_count"`
	NotesAfterCount   int    `gorm:"not null" json:"notes_after_count"`

	ConsolidatedNotes datatypes.JSON `gorm:"type:jsonb;column:consolidated_notes" json:"consolidated_notes"`
	RemovedNotes      datatypes.JSON `gorm:"type:jsonb;column:removed_notes" json:"removed_notes"`
	NewSummaryNotes   datatypes.JSON `gorm:"type:jsonb;column:new_summary_notes" json:"new_summary_notes"`
	Reasoning         string         `gorm:"column:reasoning" json:"reasoning"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (Consolidation) TableName() string { return "memory_consolidation" }
