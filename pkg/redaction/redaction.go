// Package redaction masks credentials in text that leaves the process, such as
// backend error messages echoed back into a chat.
package redaction

import (
	"regexp"
	"sort"
	"strings"
)

// Replacement is substituted for every masked value.
const Replacement = "[REDACTED]"

// minSecretLength keeps short configured values (e.g. "x" placeholders) from
// masking ordinary words.
const minSecretLength = 6

var builtinPatterns = []*regexp.Regexp{
	// key=value style credentials; only the value is masked.
	regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|api[_-]?secret|auth[_-]?token|access[_-]?token|secret[_-]?key)\s*[=:]\s*['"]?([a-zA-Z0-9_\-\.]{16,})['"]?`),
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9_\-\.]{16,})`),
	regexp.MustCompile(`(?i)\bBot\s+([a-zA-Z0-9_\-]{20,}\.[a-zA-Z0-9_\-]{4,}\.[a-zA-Z0-9_\-]{20,})`),
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{16,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9\-_]{16,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
}

// Redactor masks configured secrets verbatim plus credential-shaped strings.
// It is immutable and safe for concurrent use. A nil *Redactor returns text
// unchanged.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a redactor for the given secret values. Empty and very
// short values are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) >= minSecretLength {
			r.secrets = append(r.secrets, s)
		}
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
	return r
}

// Redact returns input with secrets masked.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}

	result := input
	for _, s := range r.secrets {
		result = strings.ReplaceAll(result, s, Replacement)
	}
	for _, re := range builtinPatterns {
		result = replaceCaptured(re, result)
	}
	return result
}

// replaceCaptured masks the first capture group of each match, or the whole
// match when the pattern has none.
func replaceCaptured(re *regexp.Regexp, input string) string {
	return re.ReplaceAllStringFunc(input, func(match string) string {
		sub := re.FindStringSubmatch(match)
		if len(sub) > 1 && sub[1] != "" {
			return strings.Replace(match, sub[1], Replacement, 1)
		}
		return Replacement
	})
}
