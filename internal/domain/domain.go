package domain

import (
	"github.com/hikmahlabs/hikmah-backend/internal/domain/embedding"
	"github.com/hikmahlabs/hikmah-backend/internal/domain/learning"
	"github.com/hikmahlabs/hikmah-backend/internal/domain/memory"
	"github.com/hikmahlabs/hikmah-backend/internal/domain/primer"
)

// Aliases so callers can reference every model through one import.

type (
	Profile       = memory.Profile
	Note          = memory.Note
	NoteType      = memory.NoteType
	Event         = memory.Event
	Consolidation = memory.Consolidation

	NoteEmbedding        = embedding.NoteEmbedding
	LessonChunkEmbedding = embedding.LessonChunkEmbedding

	Lesson        = learning.Lesson
	LessonSection = learning.LessonSection

	PersonalizedPrimer = primer.PersonalizedPrimer
)

const (
	EmbeddingDimensions = embedding.Dimensions

	NoteTypeLearning   = memory.NoteTypeLearning
	NoteTypeKnowledge  = memory.NoteTypeKnowledge
	NoteTypeInterest   = memory.NoteTypeInterest
	NoteTypeBehavior   = memory.NoteTypeBehavior
	NoteTypePreference = memory.NoteTypePreference

	EventStatusPending   = memory.EventStatusPending
	EventStatusProcessed = memory.EventStatusProcessed
	EventStatusFailed    = memory.EventStatusFailed

	ConsolidationTypeAutomatic = memory.ConsolidationTypeAutomatic
	ConsolidationTypeManual    = memory.ConsolidationTypeManual
)

var (
	AllNoteTypes  = memory.AllNoteTypes
	ParseNoteType = memory.ParseNoteType
)
