// Package masking redacts credential-shaped substrings from worker output
// before it is written to disk. Grounded on tarsy/pkg/masking/pattern.go's
// CompiledPattern (name + regex + replacement) idiom, generalized from
// Kubernetes-secret-shaped patterns to a general credential/token pattern
// set, since worker subprocesses may echo secrets from tool results.
package masking

import "regexp"

// CompiledPattern is a named regex substitution.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultPatterns is the built-in credential pattern set applied to every
// worker output line ahead of the smart-tee's length-based truncation.
var DefaultPatterns = []CompiledPattern{
	{
		Name:        "bearer-token",
		Regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.=]{10,}`),
		Replacement: "Bearer ***REDACTED***",
	},
	{
		Name:        "api-key-assignment",
		Regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*["']?[A-Za-z0-9\-_./+]{8,}["']?`),
		Replacement: `$1=***REDACTED***`,
	},
	{
		Name:        "aws-access-key",
		Regex:       regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		Replacement: "***REDACTED-AWS-KEY***",
	},
	{
		Name:        "private-key-block",
		Regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
		Replacement: "***REDACTED-PRIVATE-KEY***",
	},
}

// Redact applies every default pattern to s, returning the redacted string
// and whether any pattern matched.
func Redact(s string) (string, bool) {
	redacted := false
	out := s
	for _, p := range DefaultPatterns {
		if p.Regex.MatchString(out) {
			redacted = true
			out = p.Regex.ReplaceAllString(out, p.Replacement)
		}
	}
	return out, redacted
}
