package content

import (
	"sort"
	"strings"
)

// Match pairs a cache entry with its similarity score against a query.
type Match struct {
	Entry *Entry
	Score float64
}

// Jaccard computes the Jaccard similarity of two texts over their
// lowercase whitespace-separated word sets.
func Jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	intersection := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

// FindSimilar scores candidates against query and returns up to topK matches
// at or above threshold, best first. String values are compared directly;
// map values are compared on their "name" and "description" fields. Other
// value shapes are skipped.
func FindSimilar(query string, candidates []*Entry, threshold float64, topK int) []Match {
	var matches []Match
	for _, entry := range candidates {
		text, ok := comparableText(entry.Value)
		if !ok {
			continue
		}
		if score := Jaccard(query, text); score >= threshold {
			matches = append(matches, Match{Entry: entry, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func comparableText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case map[string]any:
		name, _ := t["name"].(string)
		desc, _ := t["description"].(string)
		return name + " " + desc, true
	default:
		return "", false
	}
}
