package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxNotesPerCategory      = 15
	maxTotalNotes            = 50
	firstConsolidationTotal  = 20
	periodicConsolidationAge = 7 * 24 * time.Hour
)

// ConsolidateResult reports one consolidation run.
type ConsolidateResult struct {
	Success         bool      `json:"success"`
	NotesBefore     int       `json:"notes_before"`
	NotesAfter      int       `json:"notes_after"`
	NotesRemoved    int       `json:"notes_removed"`
	Reasoning       string    `json:"reasoning"`
	ConsolidationID uuid.UUID `json:"consolidation_id,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// ConsolidationAnalytics summarizes a learner's consolidation history.
type ConsolidationAnalytics struct {
	TotalConsolidations int                         `json:"total_consolidations"`
	CurrentNoteCount    int                         `json:"current_note_count"`
	TotalNotesRemoved   int                         `json:"total_notes_removed"`
	LastConsolidation   *time.Time                  `json:"last_consolidation,omitempty"`
	NeedsConsolidation  bool                        `json:"needs_consolidation"`
	History             []ConsolidationHistoryEntry `json:"consolidation_history"`
}

type ConsolidationHistoryEntry struct {
	Date         time.Time `json:"date"`
	Type         string    `json:"type"`
	NotesBefore  int       `json:"notes_before"`
	NotesAfter   int       `json:"notes_after"`
	NotesRemoved int       `json:"notes_removed"`
}

type consolidationPlan struct {
	ConsolidatedMemory consolidatedMemory `json:"consolidated_memory"`
	ConsolidatedNotes  []string           `json:"consolidated_notes"`
	RemovedNotes       []string           `json:"removed_notes"`
	NewSummaryNotes    []string           `json:"new_summary_notes"`
	Reasoning          string             `json:"reasoning"`
}

type consolidatedMemory struct {
	LearningNotes   []types.Note `json:"learning_notes"`
	KnowledgeNotes  []types.Note `json:"knowledge_notes"`
	InterestNotes   []types.Note `json:"interest_notes"`
	BehaviorNotes   []types.Note `json:"behavior_notes"`
	PreferenceNotes []types.Note `json:"preference_notes"`
}

func (m *consolidatedMemory) collection(t types.NoteType) []types.Note {
	switch t {
	case types.NoteTypeLearning:
		return m.LearningNotes
	case types.NoteTypeKnowledge:
		return m.KnowledgeNotes
	case types.NoteTypeInterest:
		return m.InterestNotes
	case types.NoteTypeBehavior:
		return m.BehaviorNotes
	case types.NoteTypePreference:
		return m.PreferenceNotes
	default:
		return nil
	}
}

func (m *consolidatedMemory) setCollection(t types.NoteType, notes []types.Note) {
	switch t {
	case types.NoteTypeLearning:
		m.LearningNotes = notes
	case types.NoteTypeKnowledge:
		m.KnowledgeNotes = notes
	case types.NoteTypeInterest:
		m.InterestNotes = notes
	case types.NoteTypeBehavior:
		m.BehaviorNotes = notes
	case types.NoteTypePreference:
		m.PreferenceNotes = notes
	}
}

// ConsolidationService decides when a profile's note store needs compacting
// and performs the compaction. The plan comes from a generation call; a
// deterministic per-collection cap is the fallback whenever that plan cannot
// be used, so the cap invariant holds even with the model unreachable.
type ConsolidationService struct {
	db     *gorm.DB
	repos  repos.Set
	client OpenAIClient
	index  *EmbeddingIndexService
	log    *logger.Logger
}

func NewConsolidationService(db *gorm.DB, r repos.Set, client OpenAIClient, index *EmbeddingIndexService, baseLog *logger.Logger) *ConsolidationService {
	return &ConsolidationService{
		db:     db,
		repos:  r,
		client: client,
		index:  index,
		log:    baseLog.With("service", "ConsolidationService"),
	}
}

// ShouldTrigger is re-evaluated after every successful append; evaluating it
// repeatedly without firing has no effect.
func (s *ConsolidationService) ShouldTrigger(ctx context.Context, tx *gorm.DB, profile *types.Profile) (bool, string, error) {
	counts, total, err := profile.NoteCounts()
	if err != nil {
		return false, "", err
	}

	if total > maxTotalNotes {
		return true, fmt.Sprintf("total notes %d exceeds %d", total, maxTotalNotes), nil
	}
	for _, t := range types.AllNoteTypes() {
		if counts[t] > maxNotesPerCategory {
			return true, fmt.Sprintf("%s collection has %d notes, cap is %d", t, counts[t], maxNotesPerCategory), nil
		}
	}

	history, err := s.repos.Consolidation.ListByUserID(ctx, tx, profile.UserID, 1)
	if err != nil {
		return false, "", err
	}
	if len(history) == 0 {
		if total > firstConsolidationTotal {
			return true, fmt.Sprintf("no prior consolidation and total notes %d exceeds %d", total, firstConsolidationTotal), nil
		}
		return false, "", nil
	}
	if time.Since(history[0].CreatedAt) > periodicConsolidationAge && total > firstConsolidationTotal {
		return true, fmt.Sprintf("last consolidation older than 7 days with %d notes", total), nil
	}
	return false, "", nil
}

// Consolidate runs the engine against the given profile snapshot. The new
// collections, the profile counters, the audit record and the embedding
// cleanup all commit in one transaction; on any error nothing is applied.
func (s *ConsolidationService) Consolidate(ctx context.Context, tx *gorm.DB, profile *types.Profile, consolidationType string) (ConsolidateResult, error) {
	countsBefore, notesBefore, err := profile.NoteCounts()
	if err != nil {
		return failedConsolidation(err), err
	}

	snapshot, err := s.snapshotForPlan(profile)
	if err != nil {
		return failedConsolidation(err), err
	}

	plan := s.requestPlan(ctx, snapshot, consolidationType, countsBefore, notesBefore)
	plan, err = s.normalizePlan(profile, plan)
	if err != nil {
		return failedConsolidation(err), err
	}

	for _, t := range types.AllNoteTypes() {
		if err := profile.SetNotes(t, plan.ConsolidatedMemory.collection(t)); err != nil {
			return failedConsolidation(err), err
		}
	}
	now := time.Now().UTC()
	profile.MemoryVersion++
	profile.LastSignificantUpdate = &now

	_, notesAfter, err := profile.NoteCounts()
	if err != nil {
		return failedConsolidation(err), err
	}

	record := &types.Consolidation{
		UserID:            profile.UserID,
		ConsolidationType: consolidationType,
		NotesBeforeCount:  notesBefore,
		NotesAfterCount:   notesAfter,
		ConsolidatedNotes: mustJSONArray(plan.ConsolidatedNotes),
		RemovedNotes:      mustJSONArray(plan.RemovedNotes),
		NewSummaryNotes:   mustJSONArray(plan.NewSummaryNotes),
		Reasoning:         plan.Reasoning,
	}

	keepIDs, err := noteIDs(profile)
	if err != nil {
		return failedConsolidation(err), err
	}

	apply := func(innerTx *gorm.DB) error {
		if err := s.repos.Profile.UpdateCAS(ctx, innerTx, profile); err != nil {
			return err
		}
		if err := s.repos.Consolidation.Create(ctx, innerTx, record); err != nil {
			return err
		}
		// A dropped note must not linger in the vector index.
		return s.index.PruneNoteEmbeddings(ctx, innerTx, profile.UserID, keepIDs)
	}

	if tx != nil {
		err = apply(tx)
	} else {
		err = s.db.WithContext(ctx).Transaction(apply)
	}
	if err != nil {
		return failedConsolidation(err), err
	}

	s.log.Info("Consolidation complete",
		"user_id", profile.UserID,
		"type", consolidationType,
		"notes_before", notesBefore,
		"notes_after", notesAfter,
	)

	// Synthesized summary notes need index rows; hash keying makes this a
	// no-op for surviving notes. Failure here only delays retrieval for the
	// new notes, so it is not part of the apply transaction.
	if allNotes, notesErr := profile.AllNotes(); notesErr == nil {
		if syncErr := s.index.SyncNoteEmbeddings(ctx, nil, profile.UserID, allNotes); syncErr != nil {
			s.log.Warn("Post-consolidation embedding sync failed", "user_id", profile.UserID, "error", syncErr)
		}
	}

	return ConsolidateResult{
		Success:         true,
		NotesBefore:     notesBefore,
		NotesAfter:      notesAfter,
		NotesRemoved:    notesBefore - notesAfter,
		Reasoning:       plan.Reasoning,
		ConsolidationID: record.ID,
	}, nil
}

// ManuallyConsolidate runs the engine immediately, bypassing the policy.
func (s *ConsolidationService) ManuallyConsolidate(ctx context.Context, userID string) (ConsolidateResult, error) {
	profile, err := s.repos.Profile.GetByUserID(ctx, nil, userID)
	if err != nil {
		return failedConsolidation(err), err
	}
	return s.Consolidate(ctx, nil, profile, types.ConsolidationTypeManual)
}

func (s *ConsolidationService) GetConsolidationAnalytics(ctx context.Context, userID string) (ConsolidationAnalytics, error) {
	profile, err := s.repos.Profile.GetByUserID(ctx, nil, userID)
	if err != nil {
		return ConsolidationAnalytics{}, err
	}
	_, total, err := profile.NoteCounts()
	if err != nil {
		return ConsolidationAnalytics{}, err
	}

	history, err := s.repos.Consolidation.ListByUserID(ctx, nil, userID, 5)
	if err != nil {
		return ConsolidationAnalytics{}, err
	}
	needs, _, err := s.ShouldTrigger(ctx, nil, profile)
	if err != nil {
		return ConsolidationAnalytics{}, err
	}

	analytics := ConsolidationAnalytics{
		TotalConsolidations: len(history),
		CurrentNoteCount:    total,
		NeedsConsolidation:  needs,
	}
	for _, c := range history {
		analytics.TotalNotesRemoved += c.NotesBeforeCount - c.NotesAfterCount
		analytics.History = append(analytics.History, ConsolidationHistoryEntry{
			Date:         c.CreatedAt,
			Type:         c.ConsolidationType,
			NotesBefore:  c.NotesBeforeCount,
			NotesAfter:   c.NotesAfterCount,
			NotesRemoved: c.NotesBeforeCount - c.NotesAfterCount,
		})
	}
	if len(history) > 0 {
		analytics.LastConsolidation = &history[0].CreatedAt
	}
	return analytics, nil
}

func (s *ConsolidationService) snapshotForPlan(profile *types.Profile) (string, error) {
	categories := consolidatedMemory{}
	for _, t := range types.AllNoteTypes() {
		notes, err := profile.Notes(t)
		if err != nil {
			return "", err
		}
		categories.setCollection(t, notes)
	}
	snapshot := struct {
		UserID            string             `json:"user_id"`
		TotalInteractions int                `json:"total_interactions"`
		MemoryVersion     int                `json:"memory_version"`
		Categories        consolidatedMemory `json:"categories"`
	}{
		UserID:            profile.UserID,
		TotalInteractions: profile.TotalInteractions,
		MemoryVersion:     profile.MemoryVersion,
		Categories:        categories,
	}
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// requestPlan asks the model for a consolidation plan and falls back to the
// deterministic cap whenever the response is unusable. The fallback branch is
// always recorded in the plan's reasoning.
func (s *ConsolidationService) requestPlan(ctx context.Context, snapshot, consolidationType string, counts map[types.NoteType]int, totalNotes int) consolidationPlan {
	trigger := fmt.Sprintf("Triggered by %s - Total notes: %d", consolidationType, totalNotes)

	raw, err := s.client.GenerateText(ctx, consolidationSystemPrompt, buildConsolidationUserPrompt(snapshot, trigger, counts))
	if err != nil {
		s.log.Warn("Consolidation generation call failed, using fallback", "error", err)
		return consolidationPlan{}
	}

	var plan consolidationPlan
	outcome := DecodeLLMJSON(raw, &plan)
	if !outcome.Parsed {
		s.log.Warn("Consolidation plan unparseable, using fallback", "error", outcome.Err)
		return consolidationPlan{}
	}
	return plan
}

// normalizePlan validates a model plan and substitutes the deterministic
// fallback when the plan is empty or carries notes in the wrong collection.
// Fallback: any collection over the cap keeps its top entries by confidence
// then recency; the rest are recorded as removed.
func (s *ConsolidationService) normalizePlan(profile *types.Profile, plan consolidationPlan) (consolidationPlan, error) {
	if planUsable(plan) {
		stampSynthesizedNotes(&plan.ConsolidatedMemory)
		enforceCollectionCaps(&plan)
		return plan, nil
	}

	fallback := consolidationPlan{
		Reasoning: "Fallback consolidation: kept highest-confidence recent notes per collection",
	}
	for _, t := range types.AllNoteTypes() {
		notes, err := profile.Notes(t)
		if err != nil {
			return consolidationPlan{}, err
		}
		fallback.ConsolidatedMemory.setCollection(t, notes)
	}
	enforceCollectionCaps(&fallback)
	return fallback, nil
}

// enforceCollectionCaps trims any collection above maxNotesPerCategory,
// keeping the top entries by confidence then recency and recording the
// trimmed ids as removed. The cap holds no matter where the plan came from.
func enforceCollectionCaps(plan *consolidationPlan) {
	for _, t := range types.AllNoteTypes() {
		notes := plan.ConsolidatedMemory.collection(t)
		if len(notes) <= maxNotesPerCategory {
			continue
		}
		sorted := make([]types.Note, len(notes))
		copy(sorted, notes)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Confidence != sorted[j].Confidence {
				return sorted[i].Confidence > sorted[j].Confidence
			}
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		})
		plan.ConsolidatedMemory.setCollection(t, sorted[:maxNotesPerCategory])
		for _, removed := range sorted[maxNotesPerCategory:] {
			plan.RemovedNotes = append(plan.RemovedNotes, removed.ID)
		}
	}
}

// planUsable rejects plans whose notes land in the wrong collection; a
// mismatched note_type must never be applied silently.
func planUsable(plan consolidationPlan) bool {
	empty := true
	for _, t := range types.AllNoteTypes() {
		notes := plan.ConsolidatedMemory.collection(t)
		if len(notes) > 0 {
			empty = false
		}
		for _, n := range notes {
			if n.NoteType != t {
				return false
			}
		}
	}
	return !empty
}

func stampSynthesizedNotes(m *consolidatedMemory) {
	now := time.Now().UTC()
	for _, t := range types.AllNoteTypes() {
		notes := m.collection(t)
		for i := range notes {
			if notes[i].ID == "" {
				notes[i].ID = uuid.NewString()
			}
			if notes[i].CreatedAt.IsZero() {
				notes[i].CreatedAt = now
			}
		}
	}
}

func noteIDs(profile *types.Profile) ([]string, error) {
	all, err := profile.AllNotes()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, n := range all {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

func failedConsolidation(err error) ConsolidateResult {
	return ConsolidateResult{Success: false, Error: err.Error()}
}

func mustJSONArray(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	raw, _ := json.Marshal(values)
	return datatypes.JSON(raw)
}
