// Package validate sanitizes client-supplied values before they reach the
// pipeline. Every validator is idempotent: feeding its output back in
// returns the same value.
package validate

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError carries a human-readable reason for rejection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func fail(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

const maxMessageRunes = 50000

// injectionPatterns is the closed strip-list applied to chat messages.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?is)<script[^>]*/?>`),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe>`),
	regexp.MustCompile(`(?is)<object[^>]*>.*?</object>`),
	regexp.MustCompile(`(?is)<embed[^>]*/?>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

// Message sanitizes a chat message: NUL bytes stripped, length bounded,
// injection patterns removed, HTML meta-characters escaped, whitespace
// trimmed. Escaping runs over the unescaped form so a second pass is a
// no-op.
func Message(raw string) (string, error) {
	s := strings.ReplaceAll(raw, "\x00", "")
	if utf8.RuneCountInString(s) > maxMessageRunes {
		return "", fail("message", fmt.Sprintf("exceeds %d characters", maxMessageRunes))
	}

	s = html.UnescapeString(s)
	for _, p := range injectionPatterns {
		s = p.ReplaceAllString(s, "")
	}
	s = html.EscapeString(s)
	return strings.TrimSpace(s), nil
}

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// SessionID lowercases and checks the canonical UUID shape.
func SessionID(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !uuidRe.MatchString(s) {
		return "", fail("session_id", "must be a canonical UUID")
	}
	return s, nil
}

var projectIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ProjectID trims and checks the project tag shape.
func ProjectID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fail("project_id", "must not be empty")
	}
	if len(s) > 100 {
		return "", fail("project_id", "exceeds 100 characters")
	}
	if !projectIDRe.MatchString(s) {
		return "", fail("project_id", "contains characters outside [A-Za-z0-9_-]")
	}
	return s, nil
}

// Number coerces a JSON-decoded numeric value, collapsing integer-valued
// floats to integers.
func Number(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int64(n)) {
			return int(n), nil
		}
		return n, nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err != nil {
			return nil, fail("number", "not numeric")
		}
		return Number(f)
	default:
		return nil, fail("number", fmt.Sprintf("unsupported type %T", v))
	}
}

var addressRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Address strips a 0x prefix and checks for 16 lowercase hex characters.
func Address(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "0x")
	if !addressRe.MatchString(s) {
		return "", fail("address", "must be 16 hex characters")
	}
	return s, nil
}

const maxDictBytes = 10000

// Dict checks that a generic payload is a map whose serialized form stays
// under the size bound.
func Dict(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fail("dict", fmt.Sprintf("expected object, got %T", v))
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fail("dict", "not serializable")
	}
	if len(b) > maxDictBytes {
		return nil, fail("dict", fmt.Sprintf("serialized size exceeds %d bytes", maxDictBytes))
	}
	return m, nil
}
