package observability

import (
	"regexp"
	"strings"
)

// Redactor masks secret material in log output. It carries a set of regex
// patterns plus the literal provider-key secrets loaded from configuration.
type Redactor struct {
	patterns []*redactPattern
	secrets  []string
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default key-shaped patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.AddPattern(`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_KEY]")
	r.AddPattern(`AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_KEY]")
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]")
	r.AddPattern(`Authorization:\s*\S+`, "Authorization: [REDACTED]")
	return r
}

// AddPattern adds a custom redaction pattern. Invalid patterns are skipped.
func (r *Redactor) AddPattern(pattern, replacement string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{regex: regex, replacement: replacement})
}

// AddSecret registers a literal secret to mask wherever it appears. Short
// values are ignored so common substrings are not clobbered.
func (r *Redactor) AddSecret(secret string) {
	if len(secret) < 8 {
		return
	}
	r.secrets = append(r.secrets, secret)
}

// Redact applies all patterns and literal secrets to the input.
func (r *Redactor) Redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, "[REDACTED]")
	}
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}
