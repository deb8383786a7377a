package services

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos"
	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	apperrors "github.com/hikmahlabs/hikmah-backend/internal/pkg/errors"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("development")
	if err != nil {
		tb.Fatalf("init logger: %v", err)
	}
	return log
}

// fakeSet backs repos.Set with in-memory stores so service logic can be
// tested without Postgres. The tx argument is ignored everywhere, matching
// how the fakes are used: single-goroutine tests with no rollback semantics.
type fakeSet struct {
	profiles       *fakeProfileRepo
	events         *fakeEventRepo
	consolidations *fakeConsolidationRepo
	noteEmbeddings *fakeNoteEmbeddingRepo
	lessonChunks   *fakeLessonChunkRepo
	lessons        *fakeLessonRepo
	primers        *fakePrimerRepo
}

func newFakeSet() (repos.Set, *fakeSet) {
	f := &fakeSet{
		profiles:       &fakeProfileRepo{byUser: map[string]*types.Profile{}},
		events:         &fakeEventRepo{byID: map[uuid.UUID]*types.Event{}},
		consolidations: &fakeConsolidationRepo{},
		noteEmbeddings: &fakeNoteEmbeddingRepo{rows: map[string]*types.NoteEmbedding{}},
		lessonChunks:   &fakeLessonChunkRepo{byLesson: map[uuid.UUID][]*types.LessonChunkEmbedding{}},
		lessons:        &fakeLessonRepo{byID: map[uuid.UUID]*types.Lesson{}, sections: map[uuid.UUID][]*types.LessonSection{}},
		primers:        &fakePrimerRepo{rows: map[string]*types.PersonalizedPrimer{}},
	}
	return repos.Set{
		Profile:       f.profiles,
		Event:         f.events,
		Consolidation: f.consolidations,
		NoteEmbedding: f.noteEmbeddings,
		LessonChunk:   f.lessonChunks,
		Lesson:        f.lessons,
		Primer:        f.primers,
	}, f
}

type fakeProfileRepo struct {
	mu     sync.Mutex
	byUser map[string]*types.Profile
}

func cloneProfile(p *types.Profile) *types.Profile {
	cp := *p
	return &cp
}

func (r *fakeProfileRepo) Create(_ context.Context, _ *gorm.DB, profile *types.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	r.byUser[profile.UserID] = cloneProfile(profile)
	return nil
}

func (r *fakeProfileRepo) GetByUserID(_ context.Context, _ *gorm.DB, userID string) (*types.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneProfile(p), nil
}

func (r *fakeProfileRepo) GetOrCreateByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.Profile, error) {
	r.mu.Lock()
	if p, ok := r.byUser[userID]; ok {
		defer r.mu.Unlock()
		return cloneProfile(p), nil
	}
	r.mu.Unlock()

	empty := datatypes.JSON([]byte("[]"))
	p := &types.Profile{
		ID:              uuid.New(),
		UserID:          userID,
		LearningNotes:   empty,
		KnowledgeNotes:  empty,
		InterestNotes:   empty,
		BehaviorNotes:   empty,
		PreferenceNotes: empty,
		MemoryVersion:   1,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	return p, r.Create(ctx, tx, p)
}

func (r *fakeProfileRepo) UpdateCAS(_ context.Context, _ *gorm.DB, profile *types.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byUser[profile.UserID]
	if !ok || current.LockVersion != profile.LockVersion {
		return apperrors.ErrVersionConflict
	}
	stored := cloneProfile(profile)
	stored.LockVersion++
	stored.UpdatedAt = time.Now().UTC()
	r.byUser[profile.UserID] = stored
	profile.LockVersion = stored.LockVersion
	return nil
}

// bump simulates a concurrent writer winning a race: it advances the stored
// lock version without going through the profile the test holds.
func (r *fakeProfileRepo) bump(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byUser[userID]; ok {
		p.LockVersion++
	}
}

type fakeEventRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*types.Event
}

func (r *fakeEventRepo) Create(_ context.Context, _ *gorm.DB, event *types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.ProcessingStatus == "" {
		event.ProcessingStatus = types.EventStatusPending
	}
	event.CreatedAt = time.Now().UTC()
	cp := *event
	r.byID[event.ID] = &cp
	return nil
}

func (r *fakeEventRepo) GetByID(_ context.Context, _ *gorm.DB, eventID uuid.UUID) (*types.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[eventID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeEventRepo) ListByUserID(_ context.Context, _ *gorm.DB, userID string, limit int) ([]*types.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Event
	for _, e := range r.byID {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeEventRepo) MarkProcessed(_ context.Context, _ *gorm.DB, eventID uuid.UUID, notesAdded datatypes.JSON, reasoning string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[eventID]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now().UTC()
	e.ProcessingStatus = types.EventStatusProcessed
	e.NotesAdded = notesAdded
	e.ProcessingReasoning = reasoning
	e.ProcessedAt = &now
	return nil
}

func (r *fakeEventRepo) MarkFailed(_ context.Context, _ *gorm.DB, eventID uuid.UUID, reasoning string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[eventID]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now().UTC()
	e.ProcessingStatus = types.EventStatusFailed
	e.ProcessingReasoning = reasoning
	e.ProcessedAt = &now
	return nil
}

type fakeConsolidationRepo struct {
	mu   sync.Mutex
	list []*types.Consolidation
}

func (r *fakeConsolidationRepo) Create(_ context.Context, _ *gorm.DB, record *types.Consolidation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = time.Now().UTC()
	cp := *record
	r.list = append(r.list, &cp)
	return nil
}

func (r *fakeConsolidationRepo) ListByUserID(_ context.Context, _ *gorm.DB, userID string, limit int) ([]*types.Consolidation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Consolidation
	for i := len(r.list) - 1; i >= 0; i-- {
		if r.list[i].UserID == userID {
			cp := *r.list[i]
			out = append(out, &cp)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeConsolidationRepo) CountByUserID(_ context.Context, _ *gorm.DB, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.list {
		if c.UserID == userID {
			n++
		}
	}
	return n, nil
}

type fakeNoteEmbeddingRepo struct {
	mu   sync.Mutex
	rows map[string]*types.NoteEmbedding
}

func noteEmbeddingKey(userID, noteID string) string { return userID + "/" + noteID }

func (r *fakeNoteEmbeddingRepo) GetByUserID(_ context.Context, _ *gorm.DB, userID string) ([]*types.NoteEmbedding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.NoteEmbedding
	for _, row := range r.rows {
		if row.UserID == userID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeNoteEmbeddingRepo) Upsert(_ context.Context, _ *gorm.DB, rows []*types.NoteEmbedding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		key := noteEmbeddingKey(row.UserID, row.NoteID)
		if existing, ok := r.rows[key]; ok {
			existing.NoteType = row.NoteType
			existing.ContentHash = row.ContentHash
			existing.Embedding = row.Embedding
			existing.UpdatedAt = time.Now().UTC()
			continue
		}
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		cp := *row
		r.rows[key] = &cp
	}
	return nil
}

func (r *fakeNoteEmbeddingRepo) DeleteByNoteIDs(_ context.Context, _ *gorm.DB, userID string, noteIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range noteIDs {
		delete(r.rows, noteEmbeddingKey(userID, id))
	}
	return nil
}

func (r *fakeNoteEmbeddingRepo) DeleteNotIn(_ context.Context, _ *gorm.DB, userID string, keepNoteIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := make(map[string]struct{}, len(keepNoteIDs))
	for _, id := range keepNoteIDs {
		keep[id] = struct{}{}
	}
	for key, row := range r.rows {
		if row.UserID != userID {
			continue
		}
		if _, ok := keep[row.NoteID]; !ok {
			delete(r.rows, key)
		}
	}
	return nil
}

type fakeLessonChunkRepo struct {
	mu       sync.Mutex
	byLesson map[uuid.UUID][]*types.LessonChunkEmbedding
}

func (r *fakeLessonChunkRepo) GetByLessonID(_ context.Context, _ *gorm.DB, lessonID uuid.UUID) ([]*types.LessonChunkEmbedding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.byLesson[lessonID]
	out := make([]*types.LessonChunkEmbedding, 0, len(rows))
	for _, row := range rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (r *fakeLessonChunkRepo) ReplaceForLesson(_ context.Context, _ *gorm.DB, lessonID uuid.UUID, rows []*types.LessonChunkEmbedding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced := make([]*types.LessonChunkEmbedding, 0, len(rows))
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		cp := *row
		replaced = append(replaced, &cp)
	}
	r.byLesson[lessonID] = replaced
	return nil
}

func (r *fakeLessonChunkRepo) DeleteByLessonID(_ context.Context, _ *gorm.DB, lessonID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byLesson, lessonID)
	return nil
}

type fakeLessonRepo struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*types.Lesson
	sections map[uuid.UUID][]*types.LessonSection
}

func (r *fakeLessonRepo) Create(_ context.Context, _ *gorm.DB, lesson *types.Lesson) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lesson.ID == uuid.Nil {
		lesson.ID = uuid.New()
	}
	cp := *lesson
	r.byID[lesson.ID] = &cp
	return nil
}

func (r *fakeLessonRepo) GetByID(_ context.Context, _ *gorm.DB, lessonID uuid.UUID) (*types.Lesson, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byID[lessonID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *fakeLessonRepo) GetBySlug(_ context.Context, _ *gorm.DB, slug string) (*types.Lesson, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.byID {
		if l.Slug == slug {
			cp := *l
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeLessonRepo) Update(_ context.Context, _ *gorm.DB, lesson *types.Lesson) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[lesson.ID]; !ok {
		return apperrors.ErrNotFound
	}
	lesson.UpdatedAt = time.Now().UTC()
	cp := *lesson
	r.byID[lesson.ID] = &cp
	return nil
}

func (r *fakeLessonRepo) ListSections(_ context.Context, _ *gorm.DB, lessonID uuid.UUID) ([]*types.LessonSection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.sections[lessonID]
	out := make([]*types.LessonSection, 0, len(rows))
	for _, row := range rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *fakeLessonRepo) CreateSections(_ context.Context, _ *gorm.DB, sections []*types.LessonSection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sections {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		cp := *s
		r.sections[s.LessonID] = append(r.sections[s.LessonID], &cp)
	}
	return nil
}

type fakePrimerRepo struct {
	mu   sync.Mutex
	rows map[string]*types.PersonalizedPrimer
}

func primerKey(userID string, lessonID uuid.UUID) string { return userID + "/" + lessonID.String() }

func (r *fakePrimerRepo) GetByUserAndLesson(_ context.Context, _ *gorm.DB, userID string, lessonID uuid.UUID) (*types.PersonalizedPrimer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[primerKey(userID, lessonID)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePrimerRepo) Upsert(_ context.Context, _ *gorm.DB, row *types.PersonalizedPrimer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	cp := *row
	r.rows[primerKey(row.UserID, row.LessonID)] = &cp
	return nil
}

func (r *fakePrimerRepo) MarkStale(_ context.Context, _ *gorm.DB, userID string, lessonID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[primerKey(userID, lessonID)]
	if !ok {
		return apperrors.ErrNotFound
	}
	p.Stale = true
	return nil
}

func (r *fakePrimerRepo) MarkStaleByLessonID(_ context.Context, _ *gorm.DB, lessonID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, p := range r.rows {
		if p.LessonID == lessonID && !p.Stale {
			p.Stale = true
			n++
		}
	}
	return n, nil
}

// stubOpenAI answers Embed from a fixture map and GenerateText from a queue
// of canned responses. Texts without a fixture get a deterministic basis
// vector derived from the text, so equal texts are identical (cosine 1) and
// distinct texts are almost always orthogonal (cosine 0).
type stubOpenAI struct {
	mu          sync.Mutex
	embeddings  map[string][]float32
	generate    []string
	generateErr error
	embedCalls  int
	embedTexts  []string
}

func (s *stubOpenAI) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedCalls++
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		s.embedTexts = append(s.embedTexts, text)
		if v, ok := s.embeddings[text]; ok {
			out[i] = v
			continue
		}
		out[i] = basisVector(text)
	}
	return out, nil
}

func (s *stubOpenAI) GenerateText(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generateErr != nil {
		return "", s.generateErr
	}
	if len(s.generate) == 0 {
		return "", fmt.Errorf("stub: no canned response left")
	}
	resp := s.generate[0]
	s.generate = s.generate[1:]
	return resp, nil
}

func basisVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	idx := binary.BigEndian.Uint32(sum[:4]) % uint32(types.EmbeddingDimensions)
	v := make([]float32, types.EmbeddingDimensions)
	v[idx] = 1
	return v
}

// axisVector points along one axis with the given magnitude. Cosine against
// a unit vector on the same axis is 1 regardless of magnitude.
func axisVector(axis int, magnitude float32) []float32 {
	v := make([]float32, types.EmbeddingDimensions)
	v[axis] = magnitude
	return v
}
