package primer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PersonalizedPrimer caches the personalized lesson intro for one learner and
// lesson. LessonVersion and MemoryVersion capture the lesson's updated_at and
// the profile's last_significant_update at generation time; the freshness
// check compares them against the current values.
type PersonalizedPrimer struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID   string    `gorm:"not null;uniqueIndex:idx_primer_user_lesson" json:"user_id"`
	LessonID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_primer_user_lesson" json:"lesson_id"`

	PersonalizedBullets datatypes.JSON `gorm:"type:jsonb;column:personalized_bullets" json:"personalized_bullets"`
	GeneratedAt         time.Time      `gorm:"not null" json:"generated_at"`
	InputsHash          string         `gorm:"not null" json:"inputs_hash"`

	LessonVersion time.Time `gorm:"not null" json:"lesson_version"`
	MemoryVersion time.Time `gorm:"not null" json:"memory_version"`
	TTLExpiresAt  time.Time `gorm:"column:ttl_expires_at;not null" json:"ttl_expires_at"`
	Stale         bool      `gorm:"not null;default:false" json:"stale"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (PersonalizedPrimer) TableName() string { return "personalized_primer" }
