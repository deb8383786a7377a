package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/gorm"
)

// Similarity thresholds. Retrieval is deliberately looser than dedup: a note
// only has to be close to some part of a lesson to count as a signal, while
// dedup aggressively collapses near-identical observations.
const (
	dedupSimilarityThreshold = 0.6
	noteFilterThreshold      = 0.4
)

// NoteSimilarity is one retrieval hit: a profile note and its maximum cosine
// similarity across all chunks of the target lesson.
type NoteSimilarity struct {
	NoteID     string
	NoteType   string
	Similarity float64
}

// EmbeddingIndexService maintains the persisted vector indexes for profile
// notes and lesson chunks, and answers note-to-lesson similarity queries.
type EmbeddingIndexService struct {
	db     *gorm.DB
	repos  repos.Set
	client OpenAIClient
	log    *logger.Logger
}

func NewEmbeddingIndexService(db *gorm.DB, r repos.Set, client OpenAIClient, baseLog *logger.Logger) *EmbeddingIndexService {
	return &EmbeddingIndexService{
		db:     db,
		repos:  r,
		client: client,
		log:    baseLog.With("service", "EmbeddingIndexService"),
	}
}

// SyncNoteEmbeddings brings the note index in line with the given notes:
// rows whose content hash is unchanged are skipped, the rest are embedded in
// one batched call and upserted.
func (s *EmbeddingIndexService) SyncNoteEmbeddings(ctx context.Context, tx *gorm.DB, userID string, notes []types.Note) error {
	if len(notes) == 0 {
		return nil
	}

	existing, err := s.repos.NoteEmbedding.GetByUserID(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("load note embeddings: %w", err)
	}
	existingByNote := make(map[string]*types.NoteEmbedding, len(existing))
	for _, row := range existing {
		existingByNote[row.NoteID] = row
	}

	type pendingEmbed struct {
		note types.Note
		hash string
	}
	var pending []pendingEmbed
	for _, note := range notes {
		if note.ID == "" || note.Content == "" {
			continue
		}
		hash := ContentHash(note.Content)
		if row, ok := existingByNote[note.ID]; ok && row.ContentHash == hash {
			continue
		}
		pending = append(pending, pendingEmbed{note: note, hash: hash})
	}
	if len(pending) == 0 {
		return nil
	}

	// One embed call per note type, batching that type's changed notes.
	byType := make(map[types.NoteType][]pendingEmbed, len(types.AllNoteTypes()))
	for _, p := range pending {
		byType[p.note.NoteType] = append(byType[p.note.NoteType], p)
	}

	rows := make([]*types.NoteEmbedding, 0, len(pending))
	for _, t := range types.AllNoteTypes() {
		batch := byType[t]
		if len(batch) == 0 {
			continue
		}
		contents := make([]string, len(batch))
		for i, p := range batch {
			contents[i] = p.note.Content
		}
		vectors, err := s.client.Embed(ctx, contents)
		if err != nil {
			return fmt.Errorf("embed %s notes: %w", t, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embed %s notes: got %d vectors for %d inputs", t, len(vectors), len(batch))
		}
		for i, p := range batch {
			rows = append(rows, &types.NoteEmbedding{
				UserID:      userID,
				NoteID:      p.note.ID,
				NoteType:    p.note.NoteType.String(),
				ContentHash: p.hash,
				Embedding:   MustEmbeddingJSON(vectors[i]),
			})
		}
	}
	if err := s.repos.NoteEmbedding.Upsert(ctx, tx, rows); err != nil {
		return fmt.Errorf("upsert note embeddings: %w", err)
	}

	s.log.Debug("Note embeddings synced", "user_id", userID, "embedded", len(rows), "skipped", len(notes)-len(rows))
	return nil
}

// PruneNoteEmbeddings deletes index rows for notes no longer present in the
// profile, so a removed note cannot resurface as a retrieval hit.
func (s *EmbeddingIndexService) PruneNoteEmbeddings(ctx context.Context, tx *gorm.DB, userID string, keepNoteIDs []string) error {
	return s.repos.NoteEmbedding.DeleteNotIn(ctx, tx, userID, keepNoteIDs)
}

// RebuildLessonChunks regenerates the lesson's chunk index from its sections.
// One chunk per authored section; a single hash over the whole lesson body is
// stamped on every chunk, and an unchanged hash skips the rebuild entirely.
func (s *EmbeddingIndexService) RebuildLessonChunks(ctx context.Context, lessonID uuid.UUID) ([]*types.LessonChunkEmbedding, error) {
	sections, err := s.repos.Lesson.ListSections(ctx, nil, lessonID)
	if err != nil {
		return nil, fmt.Errorf("load lesson sections: %w", err)
	}
	if len(sections) == 0 {
		s.log.Warn("No sections found for lesson", "lesson_id", lessonID)
		return nil, nil
	}

	combinedHash := ContentHash(combineLessonContent(sections))

	existing, err := s.repos.LessonChunk.GetByLessonID(ctx, nil, lessonID)
	if err != nil {
		return nil, fmt.Errorf("load lesson chunks: %w", err)
	}
	if len(existing) > 0 && existing[0].ContentHash == combinedHash {
		s.log.Debug("Lesson chunks unchanged", "lesson_id", lessonID)
		return existing, nil
	}

	type chunk struct {
		index int
		text  string
	}
	var chunks []chunk
	for _, section := range sections {
		text := formatSectionForEmbedding(section)
		if text == "" {
			continue
		}
		chunks = append(chunks, chunk{index: section.Position, text: text})
	}
	if len(chunks) == 0 {
		s.log.Warn("No embeddable chunks for lesson", "lesson_id", lessonID)
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.text
	}
	vectors, err := s.client.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed lesson chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embed lesson chunks: got %d vectors for %d inputs", len(vectors), len(chunks))
	}

	rows := make([]*types.LessonChunkEmbedding, 0, len(chunks))
	for i, c := range chunks {
		rows = append(rows, &types.LessonChunkEmbedding{
			LessonID:    lessonID,
			ChunkIndex:  c.index,
			ChunkText:   c.text,
			ContentHash: combinedHash,
			Embedding:   MustEmbeddingJSON(vectors[i]),
		})
	}
	if err := s.repos.LessonChunk.ReplaceForLesson(ctx, nil, lessonID, rows); err != nil {
		return nil, fmt.Errorf("replace lesson chunks: %w", err)
	}

	s.log.Info("Lesson chunks rebuilt", "lesson_id", lessonID, "chunks", len(rows))
	return rows, nil
}

// FindSimilarNotes scores every note of the user against every chunk of the
// lesson and keeps notes whose best chunk similarity reaches the retrieval
// threshold, sorted best first.
func (s *EmbeddingIndexService) FindSimilarNotes(ctx context.Context, userID string, lessonID uuid.UUID) ([]NoteSimilarity, error) {
	noteRows, err := s.repos.NoteEmbedding.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("load note embeddings: %w", err)
	}
	chunkRows, err := s.repos.LessonChunk.GetByLessonID(ctx, nil, lessonID)
	if err != nil {
		return nil, fmt.Errorf("load lesson chunks: %w", err)
	}
	if len(noteRows) == 0 || len(chunkRows) == 0 {
		return nil, nil
	}

	chunkVectors := make([][]float32, 0, len(chunkRows))
	for _, row := range chunkRows {
		vec, err := ParseEmbeddingJSON(row.Embedding)
		if err != nil {
			return nil, fmt.Errorf("decode chunk embedding %s/%d: %w", lessonID, row.ChunkIndex, err)
		}
		chunkVectors = append(chunkVectors, vec)
	}

	var hits []NoteSimilarity
	for _, row := range noteRows {
		noteVec, err := ParseEmbeddingJSON(row.Embedding)
		if err != nil {
			return nil, fmt.Errorf("decode note embedding %s: %w", row.NoteID, err)
		}
		best := 0.0
		for _, chunkVec := range chunkVectors {
			if sim := cosine(noteVec, chunkVec); sim > best {
				best = sim
			}
		}
		if best >= noteFilterThreshold {
			hits = append(hits, NoteSimilarity{
				NoteID:     row.NoteID,
				NoteType:   row.NoteType,
				Similarity: best,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	return hits, nil
}

// HasNoteEmbeddings reports whether the user has any rows in the note index.
func (s *EmbeddingIndexService) HasNoteEmbeddings(ctx context.Context, userID string) (bool, error) {
	rows, err := s.repos.NoteEmbedding.GetByUserID(ctx, nil, userID)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// HasLessonChunks reports whether the lesson has any rows in the chunk index.
func (s *EmbeddingIndexService) HasLessonChunks(ctx context.Context, lessonID uuid.UUID) (bool, error) {
	rows, err := s.repos.LessonChunk.GetByLessonID(ctx, nil, lessonID)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func combineLessonContent(sections []*types.LessonSection) string {
	parts := make([]string, 0, len(sections)*2)
	for _, section := range sections {
		if section.Title != "" {
			parts = append(parts, section.Title)
		}
		if section.Body != "" {
			parts = append(parts, section.Body)
		}
	}
	return strings.Join(parts, "\n")
}

func formatSectionForEmbedding(section *types.LessonSection) string {
	var parts []string
	if section.Title != "" {
		parts = append(parts, "Section: "+section.Title)
	}
	if section.Body != "" {
		parts = append(parts, section.Body)
	}
	return strings.Join(parts, "\n")
}
