package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
)

// Event is the audit record for one analyzed interaction. Rows are
// append-only apart from the pending -> processed/failed transition.
type Event struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID string    `gorm:"not null;index" json:"user_id"`

	EventType      string         `gorm:"not null" json:"event_type"`
	EventData      datatypes.JSON `gorm:"type:jsonb;column:event_data" json:"event_data"`
	TriggerContext datatypes.JSON `gorm:"type:jsonb;column:trigger_context" json:"trigger_context"`

	ProcessingStatus    string         `gorm:"not null;default:'pending';index" json:"processing_status"`
	NotesAdded          datatypes.JSON `gorm:"type:jsonb;column:notes_added" json:"notes_added"`
	ProcessingReasoning string         `gorm:"column:processing_reasoning" json:"processing_reasoning"`
	ProcessedAt         *time.Time     `json:"processed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (Event) TableName() string { return "memory_event" }
