package repos

import (
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos/embedding"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos/learning"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos/memory"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos/primer"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
)

type ProfileRepo = memory.ProfileRepo
type EventRepo = memory.EventRepo
type ConsolidationRepo = memory.ConsolidationRepo

type NoteEmbeddingRepo = embedding.NoteEmbeddingRepo
type LessonChunkEmbeddingRepo = embedding.LessonChunkEmbeddingRepo

type LessonRepo = learning.LessonRepo

type PrimerRepo = primer.PrimerRepo

var (
	NewProfileRepo       = memory.NewProfileRepo
	NewEventRepo         = memory.NewEventRepo
	NewConsolidationRepo = memory.NewConsolidationRepo

	NewNoteEmbeddingRepo        = embedding.NewNoteEmbeddingRepo
	NewLessonChunkEmbeddingRepo = embedding.NewLessonChunkEmbeddingRepo

	NewLessonRepo = learning.NewLessonRepo

	NewPrimerRepo = primer.NewPrimerRepo
)

// Set bundles every repo for service construction.
type Set struct {
	Profile       ProfileRepo
	Event         EventRepo
	Consolidation ConsolidationRepo
	NoteEmbedding NoteEmbeddingRepo
	LessonChunk   LessonChunkEmbeddingRepo
	Lesson        LessonRepo
	Primer        PrimerRepo
}

func NewSet(db *gorm.DB, log *logger.Logger) Set {
	return Set{
		Profile:       NewProfileRepo(db, log),
		Event:         NewEventRepo(db, log),
		Consolidation: NewConsolidationRepo(db, log),
		NoteEmbedding: NewNoteEmbeddingRepo(db, log),
		LessonChunk:   NewLessonChunkEmbeddingRepo(db, log),
		Lesson:        NewLessonRepo(db, log),
		Primer:        NewPrimerRepo(db, log),
	}
}
