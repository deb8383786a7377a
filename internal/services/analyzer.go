package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	apperrors "github.com/hikmahlabs/hikmah-backend/internal/pkg/errors"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// casRetries bounds how often an interaction re-reads the profile after
// losing an optimistic concurrency race to another writer.
const casRetries = 3

// AnalyzeRequest is one learner interaction handed to the analyzer.
type AnalyzeRequest struct {
	UserID    string
	Kind      InteractionKind
	Payload   map[string]any
	SessionID string
	Context   map[string]any
}

// AnalyzeResult reports what the interaction did to the learner's memory.
type AnalyzeResult struct {
	MemoryUpdated bool            `json:"memory_updated"`
	Reasoning     string          `json:"reasoning"`
	NotesAdded    []types.Note    `json:"notes_added"`
	EventID       uuid.UUID       `json:"event_id"`
	Kind          InteractionKind `json:"interaction_type"`
}

type extractionResult struct {
	ShouldUpdateMemory bool            `json:"should_update_memory"`
	Reasoning          string          `json:"reasoning"`
	NewNotes           []extractedNote `json:"new_notes"`
}

type extractedNote struct {
	Content    string   `json:"content"`
	Evidence   string   `json:"evidence"`
	Confidence float64  `json:"confidence"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	NoteType   string   `json:"note_type"`
}

// InteractionAnalyzer is the entry point of the memory subsystem: it turns a
// raw interaction into candidate notes and drives the duplicate filter,
// profile append, embedding index and consolidation policy, with an Event
// row auditing every attempt.
type InteractionAnalyzer struct {
	db            *gorm.DB
	repos         repos.Set
	client        OpenAIClient
	filter        *DuplicateFilter
	memory        *MemoryService
	consolidation *ConsolidationService
	index         *EmbeddingIndexService
	log           *logger.Logger
}

func NewInteractionAnalyzer(
	db *gorm.DB,
	r repos.Set,
	client OpenAIClient,
	filter *DuplicateFilter,
	memory *MemoryService,
	consolidation *ConsolidationService,
	index *EmbeddingIndexService,
	baseLog *logger.Logger,
) *InteractionAnalyzer {
	return &InteractionAnalyzer{
		db:            db,
		repos:         r,
		client:        client,
		filter:        filter,
		memory:        memory,
		consolidation: consolidation,
		index:         index,
		log:           baseLog.With("service", "InteractionAnalyzer"),
	}
}

// AnalyzeInteraction processes one interaction end to end. The append, the
// embedding sync, any triggered consolidation and the event's processed mark
// commit in a single transaction. On failure the transaction rolls back and
// a failed Event is written in a fresh transaction so the failure itself is
// auditable.
func (a *InteractionAnalyzer) AnalyzeInteraction(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	if req.UserID == "" {
		return AnalyzeResult{}, fmt.Errorf("user id: %w", apperrors.ErrInvalidArgument)
	}
	if !req.Kind.Valid() {
		return AnalyzeResult{}, fmt.Errorf("interaction kind %q: %w", req.Kind, apperrors.ErrInvalidArgument)
	}

	log := a.log.With("user_id", req.UserID, "interaction_type", string(req.Kind))

	profile, err := a.memory.GetOrCreateProfile(ctx, nil, req.UserID)
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("get or create profile: %w", err)
	}

	eventData := a.buildEventData(req)
	event := &types.Event{
		UserID:           req.UserID,
		EventType:        string(req.Kind),
		EventData:        eventData,
		TriggerContext:   a.buildTriggerContext(req),
		ProcessingStatus: types.EventStatusPending,
	}
	if err := a.repos.Event.Create(ctx, nil, event); err != nil {
		return AnalyzeResult{}, fmt.Errorf("create event: %w", err)
	}
	log.Info("Analyzing interaction", "event_id", event.ID, "session_id", req.SessionID)

	result, err := a.process(ctx, log, profile, event, req)
	if err != nil {
		a.recordFailure(ctx, log, event.ID, err)
		return AnalyzeResult{
			MemoryUpdated: false,
			Reasoning:     fmt.Sprintf("Error during analysis: %v", err),
			EventID:       event.ID,
			Kind:          req.Kind,
		}, err
	}
	return result, nil
}

func (a *InteractionAnalyzer) process(ctx context.Context, log *logger.Logger, profile *types.Profile, event *types.Event, req AnalyzeRequest) (AnalyzeResult, error) {
	extraction, err := a.extract(ctx, log, profile, req)
	if err != nil {
		return AnalyzeResult{}, err
	}
	log.Info("Extraction complete",
		"should_update_memory", extraction.ShouldUpdateMemory,
		"proposed_notes", len(extraction.NewNotes),
	)

	if !extraction.ShouldUpdateMemory {
		if err := a.repos.Event.MarkProcessed(ctx, nil, event.ID, mustNotesJSON(nil), extraction.Reasoning); err != nil {
			return AnalyzeResult{}, fmt.Errorf("mark event processed: %w", err)
		}
		return AnalyzeResult{
			MemoryUpdated: false,
			Reasoning:     extraction.Reasoning,
			EventID:       event.ID,
			Kind:          req.Kind,
		}, nil
	}

	candidates := a.toNotes(log, extraction.NewNotes)

	var added []types.Note
	for attempt := 0; ; attempt++ {
		survivors, err := a.filter.FilterDuplicates(ctx, profile, candidates)
		if err != nil {
			return AnalyzeResult{}, err
		}
		log.Info("Deduplication results", "proposed_notes", len(candidates), "kept_notes", len(survivors))

		added, err = a.commitAppend(ctx, log, profile, event, survivors, extraction.Reasoning)
		if err == nil {
			break
		}
		if errors.Is(err, apperrors.ErrVersionConflict) && attempt < casRetries {
			log.Warn("Profile version conflict, retrying", "attempt", attempt+1)
			profile, err = a.repos.Profile.GetByUserID(ctx, nil, req.UserID)
			if err != nil {
				return AnalyzeResult{}, fmt.Errorf("reload profile: %w", err)
			}
			continue
		}
		return AnalyzeResult{}, err
	}

	return AnalyzeResult{
		MemoryUpdated: true,
		Reasoning:     extraction.Reasoning,
		NotesAdded:    added,
		EventID:       event.ID,
		Kind:          req.Kind,
	}, nil
}

// commitAppend runs the write half of the interaction in one transaction.
func (a *InteractionAnalyzer) commitAppend(ctx context.Context, log *logger.Logger, profile *types.Profile, event *types.Event, survivors []types.Note, reasoning string) ([]types.Note, error) {
	stamped := a.memory.StampNotes(survivors)

	return stamped, a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(stamped) > 0 {
			if err := a.memory.AppendNotes(profile, stamped); err != nil {
				return err
			}
			if err := a.repos.Profile.UpdateCAS(ctx, tx, profile); err != nil {
				return err
			}
			if err := a.index.SyncNoteEmbeddings(ctx, tx, profile.UserID, stamped); err != nil {
				return err
			}

			trigger, reason, err := a.consolidation.ShouldTrigger(ctx, tx, profile)
			if err != nil {
				return err
			}
			if trigger {
				log.Info("Triggering memory consolidation", "reason", reason)
				if _, err := a.consolidation.Consolidate(ctx, tx, profile, types.ConsolidationTypeAutomatic); err != nil {
					return err
				}
			}
		} else {
			log.Info("All new notes were duplicates, none added")
		}

		return a.repos.Event.MarkProcessed(ctx, tx, event.ID, mustNotesJSON(stamped), reasoning)
	})
}

// extract asks the model for candidate notes. An unparseable response is a
// recorded "no update", never an error.
func (a *InteractionAnalyzer) extract(ctx context.Context, log *logger.Logger, profile *types.Profile, req AnalyzeRequest) (extractionResult, error) {
	memorySummary, err := formatMemoryForContext(profile)
	if err != nil {
		return extractionResult{}, err
	}

	contextJSON := ""
	if len(req.Context) > 0 {
		if raw, err := json.MarshalIndent(req.Context, "", "  "); err == nil {
			contextJSON = string(raw)
		}
	}

	prompt := buildExtractionUserPrompt(memorySummary, req.Kind, formatInteractionData(req.Kind, req.Payload), contextJSON)
	raw, err := a.client.GenerateText(ctx, extractionSystemPrompt, prompt)
	if err != nil {
		return extractionResult{}, fmt.Errorf("extraction call: %w", err)
	}

	var extraction extractionResult
	outcome := DecodeLLMJSON(raw, &extraction)
	if !outcome.Parsed {
		log.Warn("Extraction response unparseable, treating as no update", "error", outcome.Err)
		return extractionResult{
			ShouldUpdateMemory: false,
			Reasoning:          fmt.Sprintf("Failed to parse extraction response: %v", outcome.Err),
		}, nil
	}
	return extraction, nil
}

// toNotes maps extracted notes onto domain notes. A note with an
// unrecognized note_type is rejected with a warning, never silently kept.
func (a *InteractionAnalyzer) toNotes(log *logger.Logger, extracted []extractedNote) []types.Note {
	notes := make([]types.Note, 0, len(extracted))
	for _, e := range extracted {
		if e.Content == "" {
			continue
		}
		noteType, err := types.ParseNoteType(e.NoteType)
		if err != nil {
			log.Warn("Rejecting note with unknown note_type", "note_type", e.NoteType)
			continue
		}
		confidence := e.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		notes = append(notes, types.Note{
			Content:    e.Content,
			Evidence:   e.Evidence,
			Confidence: confidence,
			Category:   e.Category,
			Tags:       e.Tags,
			NoteType:   noteType,
		})
	}
	return notes
}

// recordFailure marks the pending Event failed outside the attempt's
// transaction, so no row is left stranded at pending after a rollback.
func (a *InteractionAnalyzer) recordFailure(ctx context.Context, log *logger.Logger, eventID uuid.UUID, cause error) {
	reasoning := fmt.Sprintf("Error during analysis: %v", cause)
	if err := a.repos.Event.MarkFailed(ctx, nil, eventID, reasoning); err != nil {
		log.Error("Failed to record failure event", "event_id", eventID, "error", err, "cause", cause.Error())
		return
	}
	log.Error("Interaction analysis failed", "event_id", eventID, "error", cause.Error())
}

func (a *InteractionAnalyzer) buildEventData(req AnalyzeRequest) datatypes.JSON {
	payload := map[string]any{
		"interaction_type": string(req.Kind),
		"interaction_data": req.Payload,
		"session_id":       req.SessionID,
		"context":          req.Context,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(payload)
	return datatypes.JSON(raw)
}

func (a *InteractionAnalyzer) buildTriggerContext(req AnalyzeRequest) datatypes.JSON {
	raw, _ := json.Marshal(map[string]any{
		"method":           "universal_analysis",
		"agent":            "InteractionAnalyzer",
		"interaction_type": string(req.Kind),
	})
	return datatypes.JSON(raw)
}

func mustNotesJSON(notes []types.Note) datatypes.JSON {
	if notes == nil {
		notes = []types.Note{}
	}
	raw, _ := json.Marshal(notes)
	return datatypes.JSON(raw)
}
