package embedding

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos/testutil"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"gorm.io/datatypes"
)

func noteRow(userID, noteID, hash string) *types.NoteEmbedding {
	return &types.NoteEmbedding{
		UserID:      userID,
		NoteID:      noteID,
		NoteType:    "learning",
		ContentHash: hash,
		Embedding:   datatypes.JSON([]byte(`[0.1,0.2]`)),
	}
}

func TestNoteEmbeddingRepoUpsert(t *testing.T) {
	ctx := context.Background()
	tx := testutil.Tx(t, testutil.DB(t))
	repo := NewNoteEmbeddingRepo(tx, testutil.Logger(t))

	if err := repo.Upsert(ctx, nil, []*types.NoteEmbedding{noteRow("learner-1", "n1", "h1")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same user and note again: the row is updated in place.
	updated := noteRow("learner-1", "n1", "h2")
	updated.NoteType = "interest"
	if err := repo.Upsert(ctx, nil, []*types.NoteEmbedding{updated}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := repo.GetByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("GetByUserID: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].ContentHash != "h2" || rows[0].NoteType != "interest" {
		t.Errorf("row not updated: hash %s type %s", rows[0].ContentHash, rows[0].NoteType)
	}
}

func TestNoteEmbeddingRepoDeleteNotIn(t *testing.T) {
	ctx := context.Background()
	tx := testutil.Tx(t, testutil.DB(t))
	repo := NewNoteEmbeddingRepo(tx, testutil.Logger(t))

	seed := []*types.NoteEmbedding{
		noteRow("learner-1", "n1", "h1"),
		noteRow("learner-1", "n2", "h2"),
		noteRow("learner-1", "n3", "h3"),
		noteRow("learner-2", "n1", "h1"),
	}
	if err := repo.Upsert(ctx, nil, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := repo.DeleteNotIn(ctx, nil, "learner-1", []string{"n1", "n3"}); err != nil {
		t.Fatalf("DeleteNotIn: %v", err)
	}

	rows, err := repo.GetByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("GetByUserID: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.NoteID == "n2" {
			t.Error("n2 should have been deleted")
		}
	}

	// Other users' rows are untouched.
	other, err := repo.GetByUserID(ctx, nil, "learner-2")
	if err != nil {
		t.Fatalf("GetByUserID other: %v", err)
	}
	if len(other) != 1 {
		t.Errorf("learner-2 rows = %d, want 1", len(other))
	}

	// An empty keep set wipes the user's index.
	if err := repo.DeleteNotIn(ctx, nil, "learner-1", nil); err != nil {
		t.Fatalf("DeleteNotIn empty: %v", err)
	}
	rows, err = repo.GetByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("GetByUserID after wipe: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows after wipe = %d, want 0", len(rows))
	}
}

func TestLessonChunkRepoReplaceForLesson(t *testing.T) {
	ctx := context.Background()
	tx := testutil.Tx(t, testutil.DB(t))
	repo := NewLessonChunkEmbeddingRepo(tx, testutil.Logger(t))

	lessonID := uuid.New()
	chunk := func(i int, text string) *types.LessonChunkEmbedding {
		return &types.LessonChunkEmbedding{
			LessonID:    lessonID,
			ChunkIndex:  i,
			ChunkText:   text,
			ContentHash: "v1",
			Embedding:   datatypes.JSON([]byte(`[0.3]`)),
		}
	}

	if err := repo.ReplaceForLesson(ctx, nil, lessonID, []*types.LessonChunkEmbedding{
		chunk(0, "intro"), chunk(1, "body"), chunk(2, "closing"),
	}); err != nil {
		t.Fatalf("first replace: %v", err)
	}

	// A rebuild with fewer chunks must not leave stale rows behind.
	if err := repo.ReplaceForLesson(ctx, nil, lessonID, []*types.LessonChunkEmbedding{
		chunk(0, "intro v2"), chunk(1, "body v2"),
	}); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	rows, err := repo.GetByLessonID(ctx, nil, lessonID)
	if err != nil {
		t.Fatalf("GetByLessonID: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ChunkIndex != 0 || rows[1].ChunkIndex != 1 {
		t.Errorf("rows not ordered by chunk_index: %d, %d", rows[0].ChunkIndex, rows[1].ChunkIndex)
	}
	if rows[0].ChunkText != "intro v2" {
		t.Errorf("stale text survived: %q", rows[0].ChunkText)
	}
}
