package embedding

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Dimensions is the fixed width of every stored vector.
const Dimensions = 1536

// NoteEmbedding caches the vector for one profile note. content_hash keys
// the cache: re-embedding is skipped while the hash matches the note text.
type NoteEmbedding struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID string    `gorm:"not null;uniqueIndex:idx_note_embedding_user_note" json:"user_id"`
	NoteID string    `gorm:"not null;uniqueIndex:idx_note_embedding_user_note" json:"note_id"`

	NoteType    string         `gorm:"not null" json:"note_type"`
	ContentHash string         `gorm:"not null" json:"content_hash"`
	Embedding   datatypes.JSON `gorm:"type:jsonb;column:embedding" json:"embedding"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (NoteEmbedding) TableName() string { return "note_embedding" }

// LessonChunkEmbedding is the vector for one lesson section. All chunks of a
// lesson share a single content_hash computed over the whole lesson body, so
// any section edit invalidates every chunk at once.
type LessonChunkEmbedding struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	LessonID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_lesson_chunk_lesson_index" json:"lesson_id"`
	ChunkIndex int       `gorm:"not null;uniqueIndex:idx_lesson_chunk_lesson_index" json:"chunk_index"`

	ChunkText   string         `gorm:"not null" json:"chunk_text"`
	ContentHash string         `gorm:"not null" json:"content_hash"`
	Embedding   datatypes.JSON `gorm:"type:jsonb;column:embedding" json:"embedding"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (LessonChunkEmbedding) TableName() string { return "lesson_chunk_embedding" }
