package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	types "github.com/hikmahlabs/hikmah-backend/internal/domain"
)

// InteractionKind is the closed set of interactions the analyzer accepts.
type InteractionKind string

const (
	InteractionChat                 InteractionKind = "chat"
	InteractionElaboration          InteractionKind = "elaboration"
	InteractionLessonCompletion     InteractionKind = "lesson_completion"
	InteractionQuizResult           InteractionKind = "quiz_result"
	InteractionUserFeedback         InteractionKind = "user_feedback"
	InteractionLearningPathProgress InteractionKind = "learning_path_progress"
	InteractionAssessment           InteractionKind = "assessment"
	InteractionQuestionnaire        InteractionKind = "questionnaire"
	InteractionContentRating        InteractionKind = "content_rating"
	InteractionStudySession         InteractionKind = "study_session"
)

func (k InteractionKind) Valid() bool {
	switch k {
	case InteractionChat, InteractionElaboration, InteractionLessonCompletion,
		InteractionQuizResult, InteractionUserFeedback, InteractionLearningPathProgress,
		InteractionAssessment, InteractionQuestionnaire, InteractionContentRating,
		InteractionStudySession:
		return true
	default:
		return false
	}
}

const extractionSystemPrompt = `You are a memory agent for an Islamic education platform. You analyze any type of learner interaction and decide what durable information to remember about the learner for future personalization.

WHAT TO EXTRACT FROM ANY INTERACTION:
1. Learning progress: what did they learn, which topics were covered
2. Knowledge gaps: what do they struggle with or not understand
3. Interests: which topics engage them, what they want to learn more about
4. Learning style: how they prefer to learn (examples, depth, practice)
5. Performance patterns: retention, strengths, weaknesses
6. Behavioral patterns: study habits, interaction frequency

Respond with JSON only:
{
    "should_update_memory": true/false,
    "reasoning": "brief explanation of why notes are or are not being created",
    "new_notes": [
        {
            "content": "specific note content",
            "evidence": "data from the interaction supporting this note",
            "confidence": 0.0-1.0,
            "category": "learning_gap|knowledge_level|interest|preference|behavior",
            "tags": ["relevant", "topic", "tags"],
            "note_type": "learning|knowledge|interest|behavior|preference"
        }
    ]
}`

func buildExtractionUserPrompt(memorySummary string, kind InteractionKind, interactionText string, contextJSON string) string {
	var b strings.Builder
	b.WriteString("EXISTING LEARNER MEMORY:\n")
	b.WriteString(memorySummary)
	b.WriteString("\n\nINTERACTION TYPE: ")
	b.WriteString(string(kind))
	b.WriteString("\n\nINTERACTION DATA:\n")
	b.WriteString(interactionText)
	if contextJSON != "" {
		b.WriteString("\n\nADDITIONAL CONTEXT:\n")
		b.WriteString(contextJSON)
	}
	b.WriteString(`

INSTRUCTIONS:
1. Analyze this interaction thoroughly.
2. Review the existing notes carefully and do not create duplicates; only create a note when it adds new, distinct information.
3. Be specific and actionable. Avoid vague observations.
4. Respond with the JSON format specified, nothing else.`)
	return b.String()
}

const consolidationSystemPrompt = `You consolidate a learner's memory notes: merge near-duplicates, prune low-value observations, and synthesize higher-level summary notes. Keep every collection at 15 notes or fewer. Preserve note structure exactly (id, content, evidence, confidence, category, tags, note_type, created_at); synthesized notes get fresh content but must carry a note_type matching their collection.

Respond with JSON only:
{
    "consolidated_memory": {
        "learning_notes": [...],
        "knowledge_notes": [...],
        "interest_notes": [...],
        "behavior_notes": [...],
        "preference_notes": [...]
    },
    "consolidated_notes": ["ids of notes merged away"],
    "removed_notes": ["ids of notes dropped"],
    "new_summary_notes": ["ids of synthesized notes"],
    "reasoning": "what was merged, removed and why"
}`

func buildConsolidationUserPrompt(memoryJSON string, triggerReason string, counts map[types.NoteType]int) string {
	parts := make([]string, 0, len(counts))
	for _, t := range types.AllNoteTypes() {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	return fmt.Sprintf(`CURRENT MEMORY:
%s

TRIGGER: %s
NOTE COUNTS: %s

Produce the consolidation plan as the JSON format specified, nothing else.`, memoryJSON, triggerReason, strings.Join(parts, ", "))
}

const primerSystemPrompt = `You write a short personalized primer shown to a learner before a lesson. You receive the lesson content, its baseline primer bullets, and notes about the learner. Rewrite the primer so it speaks to this learner: connect the lesson to their interests, pre-empt their known gaps, and respect their preferences. Keep each bullet to one or two sentences.

Respond with JSON only:
{"personalized_bullets": ["bullet 1", "bullet 2", "bullet 3"]}`

func buildPrimerUserPrompt(lessonTitle, lessonContent, baselineBullets string, signals *UserSignals) string {
	formatNotes := func(notes []ScoredNote) string {
		if len(notes) == 0 {
			return "None available"
		}
		limit := len(notes)
		if limit > 5 {
			limit = 5
		}
		lines := make([]string, 0, limit)
		for _, n := range notes[:limit] {
			lines = append(lines, fmt.Sprintf("- %s (confidence: %.2f)", n.Note.Content, n.Note.Confidence))
		}
		return strings.Join(lines, "\n")
	}

	return fmt.Sprintf(`LESSON: %s

LESSON CONTENT:
%s

BASELINE PRIMER BULLETS:
%s

LEARNER WEAK POINTS:
%s

LEARNER INTERESTS:
%s

LEARNER KNOWLEDGE:
%s

LEARNER PREFERENCES:
%s

Write 2-3 personalized bullets as the JSON format specified, nothing else.`,
		lessonTitle, lessonContent, baselineBullets,
		formatNotes(signals.LearningNotes),
		formatNotes(signals.InterestNotes),
		formatNotes(signals.KnowledgeNotes),
		formatNotes(signals.PreferenceNotes),
	)
}

// formatInteractionData renders the payload for the extraction prompt. The
// high-traffic kinds get a hand-shaped rendering; everything else is passed
// through as indented JSON.
func formatInteractionData(kind InteractionKind, payload map[string]any) string {
	switch kind {
	case InteractionChat:
		history, _ := json.MarshalIndent(payloadValue(payload, "chat_history"), "", "  ")
		return fmt.Sprintf(`Chat Interaction:
- User Query: %q
- AI Response: %q
- Chat History: %s`,
			payloadString(payload, "user_query"),
			payloadString(payload, "ai_response"),
			string(history),
		)

	case InteractionLessonCompletion:
		return fmt.Sprintf(`Lesson Completion:
- Lesson: %s (ID: %s)
- Topics Covered: %v
- Completion Time: %v minutes
- Engagement Score: %v
- Lesson Summary: %s`,
			payloadString(payload, "lesson_title"),
			payloadString(payload, "lesson_id"),
			payloadValue(payload, "lesson_topics"),
			payloadValue(payload, "completion_time_minutes"),
			payloadValue(payload, "user_engagement_score"),
			payloadString(payload, "lesson_summary"),
		)

	case InteractionQuizResult:
		return fmt.Sprintf(`Quiz Result:
- Quiz: %s (Lesson: %s)
- Score: %v (%v/%v correct)
- Topics Tested: %v
- Topics Struggled With: %v
- Time Taken: %v minutes`,
			payloadString(payload, "quiz_id"),
			payloadString(payload, "lesson_id"),
			payloadValue(payload, "score"),
			payloadValue(payload, "correct_answers"),
			payloadValue(payload, "total_questions"),
			payloadValue(payload, "topics_tested"),
			payloadValue(payload, "incorrect_topics"),
			payloadValue(payload, "time_taken_minutes"),
		)

	case InteractionElaboration:
		// The selected text is the signal; the surrounding context is too
		// verbose to include wholesale.
		return fmt.Sprintf(`Elaboration Request:
- User Selected This for Elaboration: %q
- From Lesson: %q

GUIDELINES FOR ELABORATION REQUESTS:
1. The selected text is what the learner wants to understand better.
2. Repeated requests on the same concept should not produce duplicate notes.
3. Focus on what they are struggling with, not just that they asked.
4. Prefer "needs clarification on X's role in Y" over "interested in X".`,
			payloadString(payload, "selected_text"),
			payloadString(payload, "lesson_name"),
		)

	default:
		raw, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", payload)
		}
		return string(raw)
	}
}

// formatMemoryForContext summarizes the existing profile for the extraction
// prompt: counts plus the three most recent notes per collection.
func formatMemoryForContext(profile *types.Profile) (string, error) {
	counts, total, err := profile.NoteCounts()
	if err != nil {
		return "", err
	}
	if total == 0 && profile.TotalInteractions == 0 {
		return "No existing memory for this learner.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total interactions: %d\n", profile.TotalInteractions)
	countParts := make([]string, 0, len(counts))
	for _, t := range types.AllNoteTypes() {
		countParts = append(countParts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	fmt.Fprintf(&b, "Note counts (total %d): %s\n", total, strings.Join(countParts, ", "))

	for _, t := range types.AllNoteTypes() {
		notes, err := profile.Notes(t)
		if err != nil {
			return "", err
		}
		if len(notes) == 0 {
			continue
		}
		recent := recentNotes(notes, 3)
		fmt.Fprintf(&b, "\nRecent %s notes:\n", t)
		for _, n := range recent {
			fmt.Fprintf(&b, "- %s\n", n.Content)
		}
	}

	return b.String(), nil
}

func recentNotes(notes []types.Note, n int) []types.Note {
	sorted := make([]types.Note, len(notes))
	copy(sorted, notes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func payloadValue(payload map[string]any, key string) any {
	if payload == nil {
		return nil
	}
	return payload[key]
}
