package learning

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Lesson is a unit of course content. UpdatedAt doubles as the lesson
// version that primer freshness checks compare against.
type Lesson struct {
	ID    uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Slug  string    `gorm:"not null;uniqueIndex" json:"slug"`
	Title string    `gorm:"not null" json:"title"`

	Summary               string         `gorm:"column:summary" json:"summary"`
	Tags                  datatypes.JSON `gorm:"type:jsonb;column:tags" json:"tags"`
	BaselinePrimerBullets datatypes.JSON `gorm:"type:jsonb;column:baseline_primer_bullets" json:"baseline_primer_bullets"`
	Status                string         `gorm:"not null;default:'draft'" json:"status"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Lesson) TableName() string { return "lesson" }

// LessonSection is one titled block of a lesson body. Each section becomes
// one embedding chunk.
type LessonSection struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	LessonID uuid.UUID `gorm:"type:uuid;not null;index" json:"lesson_id"`
	Lesson   *Lesson   `gorm:"constraint:OnDelete:CASCADE;foreignKey:LessonID;references:ID" json:"lesson,omitempty"`

	Position int    `gorm:"not null" json:"position"`
	Title    string `gorm:"not null" json:"title"`
	Body     string `gorm:"column:body" json:"body"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (LessonSection) TableName() string { return "lesson_section" }
