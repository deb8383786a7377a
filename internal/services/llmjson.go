package services

import (
	"encoding/json"
	"strings"
)

// ParseOutcome records which branch a lenient model-output parse took.
// Parse failures are expected values here, not errors: callers branch on
// Parsed and keep Raw/Err for the audit trail.
type ParseOutcome struct {
	Parsed bool
	Raw    string
	Err    error
}

// DecodeLLMJSON extracts a JSON object from free-form model output and
// unmarshals it into out. The model is asked for bare JSON but routinely
// wraps it in prose or a code fence, so both are tolerated.
func DecodeLLMJSON(raw string, out any) ParseOutcome {
	text := extractJSONObject(stripCodeFences(raw))
	if text == "" {
		return ParseOutcome{Parsed: false, Raw: raw}
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return ParseOutcome{Parsed: false, Raw: raw, Err: err}
	}
	return ParseOutcome{Parsed: true, Raw: raw}
}

func stripCodeFences(src string) string {
	s := strings.TrimSpace(src)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	body := lines[1:]
	if last == "```" {
		body = lines[1 : len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

func extractJSONObject(s string) string {
	if fenced := fencedJSONBlock(s); fenced != "" {
		s = fenced
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

func fencedJSONBlock(s string) string {
	marker := "```json"
	start := strings.Index(s, marker)
	if start == -1 {
		return ""
	}
	rest := s[start+len(marker):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}
