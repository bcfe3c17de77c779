package access

import (
	"regexp"
)

// Redacted replaces any sensitive-pattern match in free text.
const Redacted = "[REDACTED]"

// Sensitive patterns scanned across every string field. Order matters:
// SSNs would otherwise partially match the phone pattern.
var sensitivePatterns = []*regexp.Regexp{
	// SSN: 123-45-6789
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Credit card: 13-16 digits, optionally grouped by space or dash
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
	// Phone: (555) 123-4567, 555-123-4567, +1 555 123 4567
	regexp.MustCompile(`(?:\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`),
	// Email in free text
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
}

// scrubText replaces every sensitive-pattern match with [REDACTED].
func scrubText(s string) string {
	for _, re := range sensitivePatterns {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}
