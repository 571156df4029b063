package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var thinkSpan = regexp.MustCompile(`(?s)<think>.*</think>`)

// ExtractJSON pulls the first JSON value out of raw model output and
// unmarshals it into v.
//
// Models frequently wrap structured answers in markdown code fences, prepend
// reasoning spans, or surround the payload with prose. The extraction is
// forgiving: <think> spans are removed, fences are stripped, then the first
// balanced {...} or [...] span is located and decoded. Returns false when no
// parseable value is found.
func ExtractJSON(raw string, v any) bool {
	s := StripFences(StripThink(raw))

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return false
	}
	opener := s[start]
	var closer byte = '}'
	if opener == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return json.Unmarshal([]byte(s[start:i+1]), v) == nil
			}
		}
	}
	return false
}

// StripThink removes <think>...</think> reasoning spans, greedily across
// lines, as emitted by reasoning-tuned models.
func StripThink(s string) string {
	return thinkSpan.ReplaceAllString(s, "")
}

// StripFences removes a leading ```json (or bare ```) fence and its closing
// fence from s, returning the trimmed inner text. Input without fences is
// returned trimmed.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
	} else if strings.HasPrefix(s, "```") {
		s = s[3:]
	}
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
