package db

import (
	"fmt"

	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Learner memory
		// =========================
		&types.Profile{},
		&types.Event{},
		&types.Consolidation{},

		// =========================
		// Embedding index
		// =========================
		&types.NoteEmbedding{},
		&types.LessonChunkEmbedding{},

		// =========================
		// Lesson content
		// =========================
		&types.Lesson{},
		&types.LessonSection{},

		// =========================
		// Primer cache
		// =========================
		&types.PersonalizedPrimer{},
	)
}

func EnsureMemoryIndexes(db *gorm.DB) error {
	// uuid-ossp is already enabled in NewPostgresService, but safe to re-run
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}

	// Pending-event scans during background analysis.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_memory_event_user_status_created
		ON memory_event (user_id, processing_status, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_memory_event_user_status_created: %w", err)
	}

	// Consolidation history listing.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_memory_consolidation_user_created
		ON memory_consolidation (user_id, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_memory_consolidation_user_created: %w", err)
	}

	// Bulk embedding loads per learner.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_note_embedding_user
		ON note_embedding (user_id);
	`).Error; err != nil {
		return fmt.Errorf("create idx_note_embedding_user: %w", err)
	}

	// Chunk loads per lesson in index order.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_lesson_chunk_lesson
		ON lesson_chunk_embedding (lesson_id, chunk_index);
	`).Error; err != nil {
		return fmt.Errorf("create idx_lesson_chunk_lesson: %w", err)
	}

	// Section reads in document order.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_lesson_section_lesson_position
		ON lesson_section (lesson_id, position);
	`).Error; err != nil {
		return fmt.Errorf("create idx_lesson_section_lesson_position: %w", err)
	}

	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureMemoryIndexes(s.db); err != nil {
		s.log.Error("Memory index migration failed", "error", err)
		return err
	}
	return nil
}
