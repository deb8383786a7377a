package memory

import (
	"fmt"
	"time"
)

// NoteType identifies which of the profile's collections a note belongs to.
// The set is closed: any other value is rejected at the boundary instead of
// being silently dropped.
type NoteType string

const (
	NoteTypeLearning   NoteType = "learning"
	NoteTypeKnowledge  NoteType = "knowledge"
	NoteTypeInterest   NoteType = "interest"
	NoteTypeBehavior   NoteType = "behavior"
	NoteTypePreference NoteType = "preference"
)

// AllNoteTypes returns the note types in their canonical order.
func AllNoteTypes() []NoteType {
	return []NoteType{
		NoteTypeLearning,
		NoteTypeKnowledge,
		NoteTypeInterest,
		NoteTypeBehavior,
		NoteTypePreference,
	}
}

func (t NoteType) Valid() bool {
	switch t {
	case NoteTypeLearning, NoteTypeKnowledge, NoteTypeInterest, NoteTypeBehavior, NoteTypePreference:
		return true
	default:
		return false
	}
}

func (t NoteType) String() string { return string(t) }

// ParseNoteType maps raw text onto a NoteType, accepting the plural column
// style ("learning_notes") as well as the bare name.
func ParseNoteType(raw string) (NoteType, error) {
	switch raw {
	case "learning", "learning_notes":
		return NoteTypeLearning, nil
	case "knowledge", "knowledge_notes":
		return NoteTypeKnowledge, nil
	case "interest", "interest_notes":
		return NoteTypeInterest, nil
	case "behavior", "behavior_notes":
		return NoteTypeBehavior, nil
	case "preference", "preference_notes":
		return NoteTypePreference, nil
	default:
		return "", fmt.Errorf("unknown note type %q", raw)
	}
}

// Note is a single observation about a learner. Notes live inside the
// profile's jsonb collections rather than as their own rows.
type Note struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Evidence   string    `json:"evidence"`
	Confidence float64   `json:"confidence"`
	Category   string    `json:"category"`
	Tags       []string  `json:"tags"`
	NoteType   NoteType  `json:"note_type"`
	CreatedAt  time.Time `json:"created_at"`
}
