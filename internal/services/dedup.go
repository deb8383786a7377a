package services

import (
	"context"
	"fmt"

	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
)

// DuplicateFilter drops candidate notes that are semantically too close to an
// existing note of the same collection. Similarities are computed on the fly
// against the live profile contents, not the persisted index, so a note added
// moments ago still blocks its own near-duplicate.
type DuplicateFilter struct {
	client OpenAIClient
	log    *logger.Logger
}

func NewDuplicateFilter(client OpenAIClient, baseLog *logger.Logger) *DuplicateFilter {
	return &DuplicateFilter{
		client: client,
		log:    baseLog.With("service", "DuplicateFilter"),
	}
}

// FilterDuplicates returns the candidates that survive, in their original
// order. A candidate is dropped when its max cosine similarity against the
// existing notes of its collection strictly exceeds the dedup threshold.
// Embedding failures propagate: treating them as "no similar notes" would
// silently disable dedup.
func (f *DuplicateFilter) FilterDuplicates(ctx context.Context, profile *types.Profile, candidates []types.Note) ([]types.Note, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	existingVectors := make(map[types.NoteType][][]float32)

	survivors := make([]types.Note, 0, len(candidates))
	for _, candidate := range candidates {
		existing, ok := existingVectors[candidate.NoteType]
		if !ok {
			var err error
			existing, err = f.embedExistingNotes(ctx, profile, candidate.NoteType)
			if err != nil {
				return nil, err
			}
			existingVectors[candidate.NoteType] = existing
		}

		// Nothing to collide with.
		if len(existing) == 0 {
			survivors = append(survivors, candidate)
			continue
		}

		vecs, err := f.client.Embed(ctx, []string{candidate.Content})
		if err != nil {
			return nil, fmt.Errorf("embed candidate note: %w", err)
		}

		maxSim := 0.0
		for _, existingVec := range existing {
			if sim := cosine(vecs[0], existingVec); sim > maxSim {
				maxSim = sim
			}
		}
		if maxSim > dedupSimilarityThreshold {
			f.log.Info("Skipping duplicate note",
				"note_type", candidate.NoteType.String(),
				"max_similarity", maxSim,
			)
			continue
		}
		survivors = append(survivors, candidate)
	}

	return survivors, nil
}

func (f *DuplicateFilter) embedExistingNotes(ctx context.Context, profile *types.Profile, t types.NoteType) ([][]float32, error) {
	notes, err := profile.Notes(t)
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, nil
	}
	contents := make([]string, len(notes))
	for i, n := range notes {
		contents[i] = n.Content
	}
	vecs, err := f.client.Embed(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("embed existing %s notes: %w", t, err)
	}
	return vecs, nil
}
