package errors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Category buckets failures by their origin.
type Category string

const (
	CategoryNetwork    Category = "NETWORK"
	CategoryDatabase   Category = "DATABASE"
	CategoryValidation Category = "VALIDATION"
	CategoryPermission Category = "PERMISSION"
	CategoryResource   Category = "RESOURCE"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryLogic      Category = "LOGIC"
	CategoryUnknown    Category = "UNKNOWN"
)

// Severity grades how urgently a failure needs attention.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Classified is the canonical record produced for a failure.
type Classified struct {
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Fingerprint string    `json:"fingerprint"`
	Message     string    `json:"message"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Remediation string    `json:"remediation"`
	Timestamp   time.Time `json:"timestamp"`
}

// categoryKeywords maps lowercase substrings of an error message to a
// category. First match wins, in this order.
var categoryKeywords = []struct {
	keyword  string
	category Category
}{
	{"connection refused", CategoryNetwork},
	{"connection reset", CategoryNetwork},
	{"no such host", CategoryNetwork},
	{"broken pipe", CategoryNetwork},
	{"network", CategoryNetwork},
	{"dial", CategoryNetwork},
	{"websocket", CategoryNetwork},
	{"neo4j", CategoryDatabase},
	{"bolt", CategoryDatabase},
	{"cypher", CategoryDatabase},
	{"database", CategoryDatabase},
	{"transaction", CategoryDatabase},
	{"validation", CategoryValidation},
	{"invalid", CategoryValidation},
	{"malformed", CategoryValidation},
	{"permission", CategoryPermission},
	{"forbidden", CategoryPermission},
	{"unauthorized", CategoryPermission},
	{"access denied", CategoryPermission},
	{"pool exhausted", CategoryResource},
	{"too many", CategoryResource},
	{"out of memory", CategoryResource},
	{"resource", CategoryResource},
	{"limit", CategoryResource},
	{"deadline exceeded", CategoryTimeout},
	{"timeout", CategoryTimeout},
	{"timed out", CategoryTimeout},
	{"nil pointer", CategoryLogic},
	{"index out of range", CategoryLogic},
	{"assertion", CategoryLogic},
}

// remediations maps categories to a default remediation hint. Keyword-level
// hints override these.
var remediations = map[Category]string{
	CategoryNetwork:    "Check upstream agent availability and network path",
	CategoryDatabase:   "Verify graph store connectivity and credentials",
	CategoryValidation: "Correct the request payload and retry",
	CategoryPermission: "Verify credentials and permission mode",
	CategoryResource:   "Reduce request rate or raise configured limits",
	CategoryTimeout:    "Retry with backoff; consider raising the deadline",
	CategoryLogic:      "Report with the fingerprint; requires a code fix",
	CategoryUnknown:    "Inspect logs for the fingerprint and recent changes",
}

var keywordRemediations = []struct {
	keyword string
	hint    string
}{
	{"circuit", "Wait for the recovery timeout; check upstream health"},
	{"pool exhausted", "Raise pool.max_size or lower concurrent sessions"},
	{"rate limit", "Slow down; respect Retry-After"},
	{"neo4j", "Check NEO4J_URI and NEO4J_PASSWORD; memory degrades silently"},
}

// Classify canonicalizes an error into a category, severity, fingerprint,
// and remediation hint. endpoint is the request path when known.
func Classify(err error, endpoint string) Classified {
	msg := err.Error()
	lower := strings.ToLower(msg)

	category := CategoryUnknown
	for _, ck := range categoryKeywords {
		if strings.Contains(lower, ck.keyword) {
			category = ck.category
			break
		}
	}

	return Classified{
		Category:    category,
		Severity:    severityFor(category, endpoint),
		Fingerprint: Fingerprint(err),
		Message:     msg,
		Endpoint:    endpoint,
		Remediation: remediationFor(category, lower),
		Timestamp:   time.Now().UTC(),
	}
}

func severityFor(category Category, endpoint string) Severity {
	var sev Severity
	switch category {
	case CategoryLogic:
		sev = SeverityCritical
	case CategoryDatabase, CategoryNetwork:
		sev = SeverityHigh
	case CategoryTimeout, CategoryResource:
		sev = SeverityMedium
	case CategoryPermission:
		sev = SeverityMedium
	case CategoryValidation:
		sev = SeverityLow
	default:
		sev = SeverityMedium
	}
	// Health probes failing is expected during startup and upstream
	// outages; never page on them.
	if strings.Contains(endpoint, "/health") && sev == SeverityCritical {
		sev = SeverityHigh
	}
	return sev
}

func remediationFor(category Category, lowerMsg string) string {
	for _, kr := range keywordRemediations {
		if strings.Contains(lowerMsg, kr.keyword) {
			return kr.hint
		}
	}
	return remediations[category]
}

// Fingerprint derives a stable 12-hex-char digest grouping recurring errors:
// the error's dynamic type, the first 100 characters of its message, and the
// caller's file:line.
func Fingerprint(err error) string {
	msg := err.Error()
	if len(msg) > 100 {
		msg = msg[:100]
	}

	file, line := "unknown", 0
	// Skip Fingerprint and Classify frames to land on the reporting site.
	for skip := 2; skip < 6; skip++ {
		_, f, l, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if !strings.Contains(f, "internal/errors") {
			file, line = f, l
			break
		}
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%T|%s|%s:%d", err, msg, file, line)))
	return hex.EncodeToString(sum[:])[:12]
}
