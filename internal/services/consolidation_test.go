package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"gorm.io/gorm"
)

func consolidationFixture(t *testing.T) (*ConsolidationService, *fakeSet, *stubOpenAI) {
	t.Helper()
	set, fakes := newFakeSet()
	stub := &stubOpenAI{}
	log := testLogger(t)
	index := NewEmbeddingIndexService(nil, set, stub, log)
	return NewConsolidationService(nil, set, stub, index, log), fakes, stub
}

func notesWithConfidence(noteType types.NoteType, n int) []types.Note {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	notes := make([]types.Note, n)
	for i := range notes {
		notes[i] = types.Note{
			ID:         fmt.Sprintf("%s-%02d", noteType, i),
			Content:    fmt.Sprintf("observation %d about the learner", i),
			Confidence: float64(i%10) / 10,
			NoteType:   noteType,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
	}
	return notes
}

func TestShouldTrigger(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name        string
		counts      map[types.NoteType]int
		priorAge    time.Duration
		hasPrior    bool
		wantTrigger bool
	}{
		{
			name:        "total over cap",
			counts:      map[types.NoteType]int{types.NoteTypeLearning: 26, types.NoteTypeInterest: 25},
			wantTrigger: true,
		},
		{
			name:        "one collection over cap",
			counts:      map[types.NoteType]int{types.NoteTypeBehavior: 16},
			wantTrigger: true,
		},
		{
			name:        "first consolidation threshold",
			counts:      map[types.NoteType]int{types.NoteTypeLearning: 11, types.NoteTypeKnowledge: 10},
			wantTrigger: true,
		},
		{
			name:        "first consolidation threshold is strict",
			counts:      map[types.NoteType]int{types.NoteTypeLearning: 10, types.NoteTypeKnowledge: 10},
			wantTrigger: false,
		},
		{
			name:        "recent consolidation suppresses periodic rule",
			counts:      map[types.NoteType]int{types.NoteTypeLearning: 11, types.NoteTypeKnowledge: 10},
			hasPrior:    true,
			priorAge:    24 * time.Hour,
			wantTrigger: false,
		},
		{
			name:        "stale consolidation with enough notes",
			counts:      map[types.NoteType]int{types.NoteTypeLearning: 11, types.NoteTypeKnowledge: 10},
			hasPrior:    true,
			priorAge:    8 * 24 * time.Hour,
			wantTrigger: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, fakes, _ := consolidationFixture(t)

			profile := &types.Profile{UserID: "learner-1", MemoryVersion: 1}
			for noteType, n := range tc.counts {
				if err := profile.SetNotes(noteType, notesWithConfidence(noteType, n)); err != nil {
					t.Fatalf("SetNotes: %v", err)
				}
			}
			if tc.hasPrior {
				if err := fakes.consolidations.Create(ctx, nil, &types.Consolidation{UserID: "learner-1"}); err != nil {
					t.Fatalf("seed consolidation: %v", err)
				}
				fakes.consolidations.list[0].CreatedAt = time.Now().UTC().Add(-tc.priorAge)
			}

			got, reason, err := svc.ShouldTrigger(ctx, nil, profile)
			if err != nil {
				t.Fatalf("ShouldTrigger: %v", err)
			}
			if got != tc.wantTrigger {
				t.Errorf("trigger = %v (reason %q), want %v", got, reason, tc.wantTrigger)
			}
			if got && reason == "" {
				t.Error("a firing trigger must name its reason")
			}
		})
	}
}

func TestConsolidateFallbackCapsEveryCollection(t *testing.T) {
	ctx := context.Background()
	svc, fakes, stub := consolidationFixture(t)
	stub.generateErr = fmt.Errorf("model unreachable")

	profile, err := fakes.profiles.GetOrCreateByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	notes := notesWithConfidence(types.NoteTypeLearning, 20)
	if err := profile.SetNotes(types.NoteTypeLearning, notes); err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if err := fakes.profiles.UpdateCAS(ctx, nil, profile); err != nil {
		t.Fatalf("persist notes: %v", err)
	}
	for _, n := range notes {
		if err := fakes.noteEmbeddings.Upsert(ctx, nil, []*types.NoteEmbedding{{
			UserID: "learner-1", NoteID: n.ID,
			NoteType:    n.NoteType.String(),
			ContentHash: ContentHash(n.Content),
			Embedding:   MustEmbeddingJSON(basisVector(n.Content)),
		}}); err != nil {
			t.Fatalf("seed embedding: %v", err)
		}
	}

	result, err := svc.Consolidate(ctx, &gorm.DB{}, profile, types.ConsolidationTypeAutomatic)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if !result.Success {
		t.Fatalf("result not successful: %+v", result)
	}
	if result.NotesBefore != 20 || result.NotesAfter != 15 || result.NotesRemoved != 5 {
		t.Errorf("counts = before %d after %d removed %d", result.NotesBefore, result.NotesAfter, result.NotesRemoved)
	}
	if !strings.Contains(result.Reasoning, "Fallback consolidation") {
		t.Errorf("fallback reasoning missing: %q", result.Reasoning)
	}

	remaining, err := profile.Notes(types.NoteTypeLearning)
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	if len(remaining) != maxNotesPerCategory {
		t.Fatalf("collection size = %d, want %d", len(remaining), maxNotesPerCategory)
	}
	for i := 1; i < len(remaining); i++ {
		if remaining[i].Confidence > remaining[i-1].Confidence {
			t.Fatal("fallback must keep notes sorted by confidence")
		}
	}
	if profile.MemoryVersion != 2 {
		t.Errorf("memory_version = %d, want 2", profile.MemoryVersion)
	}
	if profile.LastSignificantUpdate == nil {
		t.Error("last_significant_update must be set")
	}

	// Dropped notes must lose their vector rows.
	rows, err := fakes.noteEmbeddings.GetByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("GetByUserID: %v", err)
	}
	kept := make(map[string]struct{}, len(remaining))
	for _, n := range remaining {
		kept[n.ID] = struct{}{}
	}
	if len(rows) != len(remaining) {
		t.Errorf("embedding rows = %d, want %d", len(rows), len(remaining))
	}
	for _, row := range rows {
		if _, ok := kept[row.NoteID]; !ok {
			t.Errorf("embedding for removed note %s survived", row.NoteID)
		}
	}

	history, err := fakes.consolidations.ListByUserID(ctx, nil, "learner-1", 10)
	if err != nil {
		t.Fatalf("ListByUserID: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("consolidation records = %d, want 1", len(history))
	}
	if history[0].NotesBeforeCount != 20 || history[0].NotesAfterCount != 15 {
		t.Errorf("audit counts = %d/%d", history[0].NotesBeforeCount, history[0].NotesAfterCount)
	}
}

func TestConsolidateRejectsPlanWithMisplacedNotes(t *testing.T) {
	ctx := context.Background()
	svc, fakes, stub := consolidationFixture(t)

	// A knowledge note inside learning_notes must force the fallback.
	plan := map[string]any{
		"consolidated_memory": map[string]any{
			"learning_notes": []map[string]any{
				{"id": "x1", "content": "misfiled", "note_type": "knowledge", "confidence": 0.9},
			},
		},
		"reasoning": "merged everything",
	}
	raw, _ := json.Marshal(plan)
	stub.generate = []string{string(raw)}

	profile, err := fakes.profiles.GetOrCreateByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := profile.SetNotes(types.NoteTypeLearning, notesWithConfidence(types.NoteTypeLearning, 18)); err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if err := fakes.profiles.UpdateCAS(ctx, nil, profile); err != nil {
		t.Fatalf("persist notes: %v", err)
	}

	result, err := svc.Consolidate(ctx, &gorm.DB{}, profile, types.ConsolidationTypeAutomatic)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if !strings.Contains(result.Reasoning, "Fallback consolidation") {
		t.Errorf("expected fallback, got reasoning %q", result.Reasoning)
	}
	remaining, _ := profile.Notes(types.NoteTypeLearning)
	if len(remaining) != maxNotesPerCategory {
		t.Errorf("collection size = %d, want %d", len(remaining), maxNotesPerCategory)
	}
}

func TestConsolidateCapsOvergrownPlan(t *testing.T) {
	ctx := context.Background()
	svc, fakes, stub := consolidationFixture(t)

	planNotes := notesWithConfidence(types.NoteTypeLearning, 16)
	plan := map[string]any{
		"consolidated_memory": map[string]any{"learning_notes": planNotes},
		"consolidated_notes":  []string{},
		"removed_notes":       []string{},
		"new_summary_notes":   []string{},
		"reasoning":           "kept everything",
	}
	raw, _ := json.Marshal(plan)
	stub.generate = []string{string(raw)}

	profile, err := fakes.profiles.GetOrCreateByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := profile.SetNotes(types.NoteTypeLearning, planNotes); err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if err := fakes.profiles.UpdateCAS(ctx, nil, profile); err != nil {
		t.Fatalf("persist notes: %v", err)
	}

	result, err := svc.Consolidate(ctx, &gorm.DB{}, profile, types.ConsolidationTypeManual)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Reasoning != "kept everything" {
		t.Errorf("reasoning = %q, plan should still be applied", result.Reasoning)
	}
	if result.NotesAfter != maxNotesPerCategory {
		t.Errorf("notes after = %d, want %d", result.NotesAfter, maxNotesPerCategory)
	}

	remaining, _ := profile.Notes(types.NoteTypeLearning)
	if len(remaining) != maxNotesPerCategory {
		t.Fatalf("collection size = %d, want %d", len(remaining), maxNotesPerCategory)
	}
	// Both zero-confidence notes cannot survive; the older one goes.
	for _, n := range remaining {
		if n.ID == "learning-00" {
			t.Error("lowest-ranked note survived the cap")
		}
	}

	if len(fakes.consolidations.list) != 1 {
		t.Fatalf("audit records = %d, want 1", len(fakes.consolidations.list))
	}
	var removed []string
	if err := json.Unmarshal(fakes.consolidations.list[0].RemovedNotes, &removed); err != nil {
		t.Fatalf("decode removed_notes: %v", err)
	}
	if len(removed) != 1 || removed[0] != "learning-00" {
		t.Errorf("removed_notes = %v, want [learning-00]", removed)
	}
}

func TestConsolidateAppliesUsablePlan(t *testing.T) {
	ctx := context.Background()
	svc, fakes, stub := consolidationFixture(t)

	plan := map[string]any{
		"consolidated_memory": map[string]any{
			"learning_notes": []map[string]any{
				{"content": "synthesized: weak on grammar overall", "note_type": "learning", "confidence": 0.9},
			},
		},
		"consolidated_notes": []string{"learning-00", "learning-01"},
		"removed_notes":      []string{"learning-02"},
		"new_summary_notes":  []string{},
		"reasoning":          "merged grammar observations into one summary",
	}
	raw, _ := json.Marshal(plan)
	stub.generate = []string{string(raw)}

	profile, err := fakes.profiles.GetOrCreateByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := profile.SetNotes(types.NoteTypeLearning, notesWithConfidence(types.NoteTypeLearning, 3)); err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if err := fakes.profiles.UpdateCAS(ctx, nil, profile); err != nil {
		t.Fatalf("persist notes: %v", err)
	}

	result, err := svc.Consolidate(ctx, &gorm.DB{}, profile, types.ConsolidationTypeManual)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Reasoning != "merged grammar observations into one summary" {
		t.Errorf("reasoning = %q", result.Reasoning)
	}
	if result.NotesBefore != 3 || result.NotesAfter != 1 {
		t.Errorf("counts = %d/%d, want 3/1", result.NotesBefore, result.NotesAfter)
	}

	remaining, _ := profile.Notes(types.NoteTypeLearning)
	if len(remaining) != 1 {
		t.Fatalf("collection size = %d, want 1", len(remaining))
	}
	if remaining[0].ID == "" {
		t.Error("synthesized note must get an id stamped")
	}
	if remaining[0].CreatedAt.IsZero() {
		t.Error("synthesized note must get created_at stamped")
	}
}

func TestGetConsolidationAnalytics(t *testing.T) {
	ctx := context.Background()
	svc, fakes, _ := consolidationFixture(t)

	profile, err := fakes.profiles.GetOrCreateByUserID(ctx, nil, "learner-1")
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := profile.SetNotes(types.NoteTypeInterest, notesWithConfidence(types.NoteTypeInterest, 4)); err != nil {
		t.Fatalf("SetNotes: %v", err)
	}
	if err := fakes.profiles.UpdateCAS(ctx, nil, profile); err != nil {
		t.Fatalf("persist notes: %v", err)
	}

	for _, counts := range [][2]int{{30, 20}, {25, 15}} {
		if err := fakes.consolidations.Create(ctx, nil, &types.Consolidation{
			UserID:            "learner-1",
			ConsolidationType: types.ConsolidationTypeAutomatic,
			NotesBeforeCount:  counts[0],
			NotesAfterCount:   counts[1],
		}); err != nil {
			t.Fatalf("seed consolidation: %v", err)
		}
	}

	analytics, err := svc.GetConsolidationAnalytics(ctx, "learner-1")
	if err != nil {
		t.Fatalf("GetConsolidationAnalytics: %v", err)
	}
	if analytics.TotalConsolidations != 2 {
		t.Errorf("history length = %d, want 2", analytics.TotalConsolidations)
	}
	if analytics.TotalNotesRemoved != 20 {
		t.Errorf("total removed = %d, want 20", analytics.TotalNotesRemoved)
	}
	if analytics.CurrentNoteCount != 4 {
		t.Errorf("current notes = %d, want 4", analytics.CurrentNoteCount)
	}
	if analytics.NeedsConsolidation {
		t.Error("4 notes with recent history should not need consolidation")
	}
	if analytics.LastConsolidation == nil {
		t.Error("last consolidation timestamp missing")
	}
}
