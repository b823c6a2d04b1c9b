package logging

import (
	"regexp"
)

// Sanitizer redacts credentials that can leak through worker output, git
// remotes or configured environment into log lines.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// Provider API keys handed to workers
		`sk-ant-[a-zA-Z0-9-]{40,}`,
		`sk-[A-Za-z0-9]{20,}`,
		`AIza[a-zA-Z0-9_-]{35}`,
		// Git hosting tokens
		`gh[pousr]_[A-Za-z0-9]{36}`,
		`glpat-[A-Za-z0-9_-]{20,}`,
		// Credentials embedded in remote URLs
		`://[^/\s:@]+:[^/\s@]+@`,
		// AWS
		`AKIA[0-9A-Z]{16}`,
		// Generic key=value secrets
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		`(?i)(api[_-]?key|secret|token)["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)password["'\s:=]+[^\s"']{8,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllStringFunc(result, func(m string) string {
			// Keep the URL shape readable.
			if len(m) > 3 && m[:3] == "://" {
				return "://" + s.redacted + "@"
			}
			return s.redacted
		})
	}
	return result
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
