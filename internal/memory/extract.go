package memory

import (
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`\b\w{3,}\b`)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"what": {}, "how": {}, "who": {}, "are": {}, "you": {}, "your": {},
	"have": {}, "from": {}, "was": {}, "were": {}, "will": {}, "can": {},
	"about": {}, "please": {}, "would": {}, "could": {}, "should": {},
	"not": {}, "all": {}, "but": {}, "they": {}, "them": {}, "there": {},
}

// Keywords extracts up to five lowercase search tokens from a query,
// skipping stop words and duplicates.
func Keywords(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(query), -1) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

var capitalizedRe = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)

// Entities picks capitalized tokens as a cheap entity approximation.
func Entities(message string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range capitalizedRe.FindAllString(message, -1) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

var imperativeVerbs = []string{
	"create", "build", "make", "write", "fix", "add", "remove", "delete",
	"update", "change", "show", "list", "find", "explain", "run", "deploy",
}

// Summarize derives a one-line summary from lightweight heuristics:
// questions keep their first clause, imperatives are tagged as tasks,
// everything else takes the leading words.
func Summarize(message string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return ""
	}
	if i := strings.Index(trimmed, "?"); i >= 0 {
		return "Question: " + truncate(trimmed[:i+1], 120)
	}
	lower := strings.ToLower(trimmed)
	for _, verb := range imperativeVerbs {
		if strings.HasPrefix(lower, verb+" ") {
			return "Task: " + truncate(trimmed, 120)
		}
	}
	return truncate(trimmed, 120)
}

// Categorize buckets a message for retrieval filtering.
func Categorize(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "?"):
		return "question"
	case containsAny(lower, "error", "bug", "fail", "broken", "crash"):
		return "troubleshooting"
	case containsAny(lower, "create", "build", "write", "implement", "add"):
		return "task"
	default:
		return "conversation"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var nameRe = regexp.MustCompile(`\b(?i:my name is|i am|call me)\s+([A-Z][a-zA-Z]+)`)

// AnnouncedName returns the personal name when the message announces one,
// or empty.
func AnnouncedName(message string) string {
	m := nameRe.FindStringSubmatch(message)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
