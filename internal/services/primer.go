package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	apperrors "github.com/hikmahlabs/hikmah-backend/internal/pkg/errors"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"github.com/hikmahlabs/hikmah-backend/internal/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPrimerTTLDays = 5

	// Quality gates: generation only runs when the learner's signals are
	// strong enough that a personalized primer would beat the baseline.
	similarityQualityThreshold = 0.6
	ruleBasedQualityThreshold  = 0.5

	maxPrimerBullets = 3
	minPrimerBullets = 2
)

// ScoredNote pairs a memory note with its relevance to the current lesson.
// In similarity mode the score is a cosine similarity; in the tag fallback
// it is the note's own confidence.
type ScoredNote struct {
	Note       types.Note `json:"note"`
	Similarity float64    `json:"similarity"`
}

// UserSignals is the lesson-relevant slice of a learner's memory used to
// ground primer generation.
type UserSignals struct {
	Available         bool
	LearningNotes     []ScoredNote
	KnowledgeNotes    []ScoredNote
	InterestNotes     []ScoredNote
	PreferenceNotes   []ScoredNote
	MemoryVersion     *time.Time
	TotalInteractions int
	SimilarityBased   bool
	AvgSimilarity     float64
}

func (s *UserSignals) noteCount() int {
	return len(s.LearningNotes) + len(s.KnowledgeNotes) + len(s.InterestNotes) + len(s.PreferenceNotes)
}

func (s *UserSignals) allNotes() []ScoredNote {
	out := make([]ScoredNote, 0, s.noteCount())
	out = append(out, s.LearningNotes...)
	out = append(out, s.KnowledgeNotes...)
	out = append(out, s.InterestNotes...)
	out = append(out, s.PreferenceNotes...)
	return out
}

// substantiveNotes covers the collections that carry content about what the
// learner knows and wants. Preference notes shape tone, not quality.
func (s *UserSignals) substantiveNotes() []ScoredNote {
	out := make([]ScoredNote, 0, len(s.LearningNotes)+len(s.KnowledgeNotes)+len(s.InterestNotes))
	out = append(out, s.LearningNotes...)
	out = append(out, s.KnowledgeNotes...)
	out = append(out, s.InterestNotes...)
	return out
}

// PrimerResult is what callers render before a lesson. When
// PersonalizedAvailable is false the caller falls back to the lesson's
// baseline bullets.
type PrimerResult struct {
	PersonalizedBullets   []string   `json:"personalized_bullets"`
	GeneratedAt           *time.Time `json:"generated_at,omitempty"`
	FromCache             bool       `json:"from_cache"`
	Stale                 bool       `json:"stale"`
	PersonalizedAvailable bool       `json:"personalized_available"`
}

// primerInputs is hashed to fingerprint everything that fed a generation.
// Field order is fixed so the canonical JSON, and therefore the hash, is
// deterministic.
type primerInputs struct {
	LessonSummary string   `json:"lesson_summary"`
	LessonTags    []string `json:"lesson_tags"`
	NoteIDs       []string `json:"note_ids"`
	TTLBucket     string   `json:"ttl_bucket"`
}

// PrimerService generates and caches per-learner lesson primers.
type PrimerService struct {
	db      *gorm.DB
	repos   repos.Set
	client  OpenAIClient
	index   *EmbeddingIndexService
	memory  *MemoryService
	log     *logger.Logger
	ttlDays int
	now     func() time.Time
}

func NewPrimerService(
	db *gorm.DB,
	r repos.Set,
	client OpenAIClient,
	index *EmbeddingIndexService,
	memory *MemoryService,
	baseLog *logger.Logger,
) *PrimerService {
	log := baseLog.With("service", "PrimerService")
	return &PrimerService{
		db:      db,
		repos:   r,
		client:  client,
		index:   index,
		memory:  memory,
		log:     log,
		ttlDays: utils.GetEnvAsInt("PRIMER_TTL_DAYS", defaultPrimerTTLDays, log),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GeneratePersonalizedPrimer returns the primer for one learner and lesson,
// serving from cache when the cached row is still fresh. forceRefresh skips
// the cache read but still writes the regenerated primer back.
func (s *PrimerService) GeneratePersonalizedPrimer(ctx context.Context, userID string, lessonID uuid.UUID, forceRefresh bool) (PrimerResult, error) {
	if userID == "" {
		return PrimerResult{}, fmt.Errorf("user id: %w", apperrors.ErrInvalidArgument)
	}

	lesson, err := s.repos.Lesson.GetByID(ctx, nil, lessonID)
	if err != nil {
		return PrimerResult{}, fmt.Errorf("load lesson: %w", err)
	}

	profile, err := s.memory.GetOrCreateProfile(ctx, nil, userID)
	if err != nil {
		return PrimerResult{}, fmt.Errorf("load profile: %w", err)
	}

	log := s.log.With("user_id", userID, "lesson_id", lessonID)

	if !forceRefresh {
		cached, err := s.repos.Primer.GetByUserAndLesson(ctx, nil, userID, lessonID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return PrimerResult{}, fmt.Errorf("read primer cache: %w", err)
		}
		if cached != nil && s.isFresh(cached, lesson, profile) {
			bullets, err := decodeStringArray(cached.PersonalizedBullets)
			if err != nil {
				log.Warn("Cached primer bullets undecodable, regenerating", "error", err)
			} else {
				generatedAt := cached.GeneratedAt
				log.Debug("Serving primer from cache", "generated_at", generatedAt)
				return PrimerResult{
					PersonalizedBullets:   bullets,
					GeneratedAt:           &generatedAt,
					FromCache:             true,
					PersonalizedAvailable: true,
				}, nil
			}
		}
	}

	signals, err := s.FetchUserSignals(ctx, profile, lesson)
	if err != nil {
		return PrimerResult{}, err
	}
	if !signals.Available {
		log.Info("No lesson-relevant signals, serving baseline primer")
		return fallbackPrimerResult(), nil
	}

	quality, pass := s.assessSignalQuality(signals)
	log.Info("Primer signal quality",
		"quality", quality,
		"passes", pass,
		"similarity_based", signals.SimilarityBased,
		"signal_notes", signals.noteCount(),
	)
	if !pass {
		return fallbackPrimerResult(), nil
	}

	bullets, err := s.generateBullets(ctx, log, lesson, signals)
	if err != nil {
		log.Warn("Primer generation failed, serving baseline primer", "error", err)
		return fallbackPrimerResult(), nil
	}
	if bullets == nil {
		return fallbackPrimerResult(), nil
	}

	generatedAt := s.now()
	if err := s.cachePrimer(ctx, userID, lesson, profile, signals, bullets, generatedAt); err != nil {
		// A cache write failure only costs the next request a regeneration.
		log.Warn("Failed to cache primer", "error", err)
	}

	return PrimerResult{
		PersonalizedBullets:   bullets,
		GeneratedAt:           &generatedAt,
		FromCache:             false,
		PersonalizedAvailable: true,
	}, nil
}

// InvalidateLessonPrimers flags every learner's cached primer for a lesson
// after its content changes.
func (s *PrimerService) InvalidateLessonPrimers(ctx context.Context, lessonID uuid.UUID) (int64, error) {
	count, err := s.repos.Primer.MarkStaleByLessonID(ctx, nil, lessonID)
	if err != nil {
		return 0, fmt.Errorf("invalidate primers: %w", err)
	}
	s.log.Info("Invalidated cached primers", "lesson_id", lessonID, "count", count)
	return count, nil
}

// isFresh is the cache admission check. A cached primer serves only when it
// is unflagged, unexpired, and at least as new as both the lesson content
// and the learner's memory.
func (s *PrimerService) isFresh(p *types.PersonalizedPrimer, lesson *types.Lesson, profile *types.Profile) bool {
	if p.Stale {
		return false
	}
	if !p.TTLExpiresAt.After(s.now()) {
		return false
	}
	if lesson.UpdatedAt.After(p.LessonVersion) {
		return false
	}
	if profile.LastSignificantUpdate != nil && profile.LastSignificantUpdate.After(p.MemoryVersion) {
		return false
	}
	return true
}

// FetchUserSignals collects the lesson-relevant notes for a learner. When
// both the lesson chunk index and the learner's note embeddings exist it
// ranks notes by cosine similarity; otherwise it falls back to tag overlap.
func (s *PrimerService) FetchUserSignals(ctx context.Context, profile *types.Profile, lesson *types.Lesson) (*UserSignals, error) {
	signals := &UserSignals{
		MemoryVersion:     profile.LastSignificantUpdate,
		TotalInteractions: profile.TotalInteractions,
	}

	hasChunks, err := s.index.HasLessonChunks(ctx, lesson.ID)
	if err != nil {
		return nil, err
	}
	hasNotes, err := s.index.HasNoteEmbeddings(ctx, profile.UserID)
	if err != nil {
		return nil, err
	}

	if hasChunks && hasNotes {
		if err := s.fillSimilaritySignals(ctx, profile, lesson.ID, signals); err != nil {
			return nil, err
		}
	} else {
		if err := s.fillTagSignals(profile, lesson, signals); err != nil {
			return nil, err
		}
	}

	signals.Available = signals.noteCount() > 0
	return signals, nil
}

func (s *PrimerService) fillSimilaritySignals(ctx context.Context, profile *types.Profile, lessonID uuid.UUID, signals *UserSignals) error {
	sims, err := s.index.FindSimilarNotes(ctx, profile.UserID, lessonID)
	if err != nil {
		return err
	}
	if len(sims) == 0 {
		signals.SimilarityBased = true
		return nil
	}

	byID := make(map[string]NoteSimilarity, len(sims))
	var sum float64
	for _, sim := range sims {
		byID[sim.NoteID] = sim
		sum += sim.Similarity
	}

	appendMatches := func(noteType types.NoteType, dest *[]ScoredNote) error {
		notes, err := profile.Notes(noteType)
		if err != nil {
			return err
		}
		for _, n := range notes {
			sim, ok := byID[n.ID]
			if !ok {
				continue
			}
			*dest = append(*dest, ScoredNote{Note: n, Similarity: sim.Similarity})
		}
		sort.SliceStable(*dest, func(i, j int) bool {
			return (*dest)[i].Similarity > (*dest)[j].Similarity
		})
		return nil
	}

	if err := appendMatches(types.NoteTypeLearning, &signals.LearningNotes); err != nil {
		return err
	}
	if err := appendMatches(types.NoteTypeKnowledge, &signals.KnowledgeNotes); err != nil {
		return err
	}
	if err := appendMatches(types.NoteTypeInterest, &signals.InterestNotes); err != nil {
		return err
	}
	if err := appendMatches(types.NoteTypePreference, &signals.PreferenceNotes); err != nil {
		return err
	}

	// Quality averages over every retrieved hit, including behavior notes
	// that have no collection to land in.
	signals.SimilarityBased = true
	signals.AvgSimilarity = sum / float64(len(sims))
	return nil
}

func (s *PrimerService) fillTagSignals(profile *types.Profile, lesson *types.Lesson, signals *UserSignals) error {
	lessonTags, err := decodeStringArray(lesson.Tags)
	if err != nil {
		return fmt.Errorf("decode lesson tags: %w", err)
	}
	tagSet := make(map[string]struct{}, len(lessonTags))
	for _, t := range lessonTags {
		tagSet[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	appendMatches := func(noteType types.NoteType, dest *[]ScoredNote) error {
		notes, err := profile.Notes(noteType)
		if err != nil {
			return err
		}
		for _, n := range notes {
			if !tagsOverlap(n.Tags, tagSet) {
				continue
			}
			*dest = append(*dest, ScoredNote{Note: n, Similarity: n.Confidence})
		}
		sort.SliceStable(*dest, func(i, j int) bool {
			return (*dest)[i].Similarity > (*dest)[j].Similarity
		})
		return nil
	}

	if err := appendMatches(types.NoteTypeLearning, &signals.LearningNotes); err != nil {
		return err
	}
	if err := appendMatches(types.NoteTypeKnowledge, &signals.KnowledgeNotes); err != nil {
		return err
	}
	if err := appendMatches(types.NoteTypeInterest, &signals.InterestNotes); err != nil {
		return err
	}
	if err := appendMatches(types.NoteTypePreference, &signals.PreferenceNotes); err != nil {
		return err
	}

	signals.SimilarityBased = false
	return nil
}

func tagsOverlap(tags []string, set map[string]struct{}) bool {
	for _, t := range tags {
		if _, ok := set[strings.ToLower(strings.TrimSpace(t))]; ok {
			return true
		}
	}
	return false
}

// assessSignalQuality scores the signals and applies the mode's threshold.
// Similarity mode caps the score at the threshold so the gate reduces to
// "average similarity at least 0.6", with equality passing.
func (s *PrimerService) assessSignalQuality(signals *UserSignals) (float64, bool) {
	if signals.SimilarityBased {
		quality := math.Min(signals.AvgSimilarity, similarityQualityThreshold)
		return quality, quality >= similarityQualityThreshold
	}

	substantive := signals.substantiveNotes()
	var quality float64
	switch n := len(substantive); {
	case n >= 3:
		quality += 0.6
	case n >= 1:
		quality += 0.3
	}
	switch {
	case signals.TotalInteractions >= 10:
		quality += 0.2
	case signals.TotalInteractions >= 5:
		quality += 0.1
	}
	for _, sn := range substantive {
		if sn.Note.Confidence >= 0.7 {
			quality += 0.2
			break
		}
	}
	return quality, quality >= ruleBasedQualityThreshold
}

// generateBullets runs the model and validates its output. It returns
// (nil, nil) when the response parsed but did not yield enough usable
// bullets, so the caller serves the baseline instead.
func (s *PrimerService) generateBullets(ctx context.Context, log *logger.Logger, lesson *types.Lesson, signals *UserSignals) ([]string, error) {
	sections, err := s.repos.Lesson.ListSections(ctx, nil, lesson.ID)
	if err != nil {
		return nil, fmt.Errorf("load lesson sections: %w", err)
	}
	baseline, err := decodeStringArray(lesson.BaselinePrimerBullets)
	if err != nil {
		return nil, fmt.Errorf("decode baseline bullets: %w", err)
	}

	prompt := buildPrimerUserPrompt(
		lesson.Title,
		combineLessonContent(sections),
		strings.Join(baseline, "\n"),
		signals,
	)
	raw, err := s.client.GenerateText(ctx, primerSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("primer call: %w", err)
	}

	var parsed struct {
		PersonalizedBullets []string `json:"personalized_bullets"`
	}
	outcome := DecodeLLMJSON(raw, &parsed)
	if !outcome.Parsed {
		return nil, fmt.Errorf("parse primer response: %w", outcome.Err)
	}

	bullets := make([]string, 0, maxPrimerBullets)
	for _, b := range parsed.PersonalizedBullets {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		bullets = append(bullets, b)
		if len(bullets) == maxPrimerBullets {
			break
		}
	}
	if len(bullets) < minPrimerBullets {
		log.Warn("Primer response had too few usable bullets", "usable", len(bullets))
		return nil, nil
	}
	return bullets, nil
}

func (s *PrimerService) cachePrimer(ctx context.Context, userID string, lesson *types.Lesson, profile *types.Profile, signals *UserSignals, bullets []string, generatedAt time.Time) error {
	lessonTags, err := decodeStringArray(lesson.Tags)
	if err != nil {
		return err
	}
	noteIDs := make([]string, 0, signals.noteCount())
	for _, sn := range signals.allNotes() {
		noteIDs = append(noteIDs, sn.Note.ID)
	}

	hash, err := computeInputsHash(lesson.Summary, lessonTags, noteIDs, generatedAt)
	if err != nil {
		return err
	}

	bulletsJSON, err := json.Marshal(bullets)
	if err != nil {
		return err
	}

	memoryVersion := time.Time{}
	if profile.LastSignificantUpdate != nil {
		memoryVersion = *profile.LastSignificantUpdate
	}

	primer := &types.PersonalizedPrimer{
		UserID:              userID,
		LessonID:            lesson.ID,
		PersonalizedBullets: datatypes.JSON(bulletsJSON),
		GeneratedAt:         generatedAt,
		InputsHash:          hash,
		LessonVersion:       lesson.UpdatedAt,
		MemoryVersion:       memoryVersion,
		TTLExpiresAt:        generatedAt.AddDate(0, 0, s.ttlDays),
		Stale:               false,
	}
	return s.repos.Primer.Upsert(ctx, nil, primer)
}

// computeInputsHash fingerprints a generation: lesson summary, sorted
// lesson tags, sorted contributing note ids, and the generation day. The
// day bucket forces at most one distinct hash per day for otherwise
// identical inputs.
func computeInputsHash(lessonSummary string, lessonTags []string, noteIDs []string, generatedAt time.Time) (string, error) {
	tags := make([]string, len(lessonTags))
	copy(tags, lessonTags)
	sort.Strings(tags)

	ids := make([]string, len(noteIDs))
	copy(ids, noteIDs)
	sort.Strings(ids)

	raw, err := json.Marshal(primerInputs{
		LessonSummary: lessonSummary,
		LessonTags:    tags,
		NoteIDs:       ids,
		TTLBucket:     generatedAt.Format("2006-01-02"),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func fallbackPrimerResult() PrimerResult {
	return PrimerResult{
		PersonalizedBullets:   []string{},
		PersonalizedAvailable: false,
	}
}

func decodeStringArray(raw datatypes.JSON) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
