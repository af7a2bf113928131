// Package logfilter decides which worker output lines deserve an alert and
// keeps repeated alerts from flooding the notification channels.
package logfilter

import (
	"regexp"
	"strings"
)

// Severity of a classified output line.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// warningPatterns match transient or non-fatal conditions. They are checked
// before errorPatterns so "error: timed out, falling back" stays a warning.
var warningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btim(ed|e)\s*out\b.*\b(fall(ing)?\s*back|retry(ing)?|using cached)\b`),
	regexp.MustCompile(`(?i)\bfall(ing)?\s*back\b`),
	regexp.MustCompile(`(?i)\bgateway\b.*\b(unavailable|fallback|degraded)\b`),
	regexp.MustCompile(`(?i)\b(optional|skipping)\b.*\b(not found|missing|no such file)\b`),
	regexp.MustCompile(`(?i)\b(no such file|not found)\b.*\b(optional|skipp(ed|ing)|ignored)\b`),
	regexp.MustCompile(`(?i)\bdeprecat(ed|ion)\b`),
	regexp.MustCompile(`(?i)\bretry(ing)?\b.*\battempt\b`),
	regexp.MustCompile(`(?i)^\s*warn(ing)?\b`),
	regexp.MustCompile(`(?i)\bexperimental(warning)?\b`),
}

// errorPatterns match conditions worth a human's attention.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(error|err)\b[:\]]`),
	regexp.MustCompile(`(?i)\bfatal\b`),
	regexp.MustCompile(`(?i)\bpanic\b`),
	regexp.MustCompile(`(?i)\bexception\b`),
	regexp.MustCompile(`(?i)\btraceback\b`),
	regexp.MustCompile(`(?i)\bfailed\b`),
	regexp.MustCompile(`(?i)\bpermission denied\b`),
	regexp.MustCompile(`(?i)\bsegmentation fault\b`),
	regexp.MustCompile(`(?i)\bout of memory\b`),
	regexp.MustCompile(`(?i)\b(econnrefused|enoent|eacces)\b`),
	regexp.MustCompile(`(?i)\bunauthori[sz]ed\b`),
}

// Classify returns the severity of one stderr line. Lines matching neither
// pattern set are informational.
func Classify(line string) Severity {
	line = strings.TrimSpace(line)
	if line == "" {
		return SeverityInfo
	}
	for _, pattern := range warningPatterns {
		if pattern.MatchString(line) {
			return SeverityWarning
		}
	}
	for _, pattern := range errorPatterns {
		if pattern.MatchString(line) {
			return SeverityError
		}
	}
	return SeverityInfo
}
