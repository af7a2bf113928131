// Package security redacts credentials from worker output before it leaves
// the host through a log sink or a notification channel.
package security

import (
	"regexp"
)

type redaction struct {
	pattern *regexp.Regexp
	replace string
}

// Applied in order; earlier patterns see the raw text.
var redactions = []redaction{
	{regexp.MustCompile(`(?s)-----BEGIN[[:space:]]+(?:RSA[[:space:]]+|EC[[:space:]]+|OPENSSH[[:space:]]+)?PRIVATE[[:space:]]+KEY-----.*?-----END[[:space:]]+(?:RSA[[:space:]]+|EC[[:space:]]+|OPENSSH[[:space:]]+)?PRIVATE[[:space:]]+KEY-----`), "[REDACTED-PRIVATE-KEY]"},
	{regexp.MustCompile(`(gh[opsr]_[a-zA-Z0-9]{36}|github_pat_[a-zA-Z0-9]{22}_[a-zA-Z0-9]{59})`), "[REDACTED-GITHUB-TOKEN]"},
	{regexp.MustCompile(`\bsk-(?:ant-|proj-)?[a-zA-Z0-9_\-]{20,}`), "[REDACTED-API-KEY]"},
	{regexp.MustCompile(`\bxox[abprs]-[a-zA-Z0-9-]{10,}`), "[REDACTED-SLACK-TOKEN]"},
	{regexp.MustCompile(`https://hooks\.slack\.com/services/[A-Za-z0-9/_-]+`), "https://hooks.slack.com/services/[REDACTED]"},
	{regexp.MustCompile(`(https://(?:discord(?:app)?\.com)/api/webhooks/\d+/)[A-Za-z0-9_-]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`), "[REDACTED-BOT-TOKEN]"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[REDACTED-JWT]"},
	{regexp.MustCompile(`(?i)bearer[[:space:]]+[a-zA-Z0-9_\-\.=]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|api[_-]?token|access[_-]?token|auth[_-]?token)[[:space:]]*[:=][[:space:]]*['"` + "`" + `]?[a-zA-Z0-9_\-]{16,}`), "${1}=[REDACTED]"},
	{regexp.MustCompile(`(?i)(aws[_-]?access[_-]?key[_-]?id|aws[_-]?secret[_-]?access[_-]?key)[[:space:]]*[:=][[:space:]]*['"` + "`" + `]?[a-zA-Z0-9/+=]{16,}`), "${1}=[REDACTED]"},
	{regexp.MustCompile(`"private_key":\s*"[^"]+"`), `"private_key":"[REDACTED]"`},
	{regexp.MustCompile(`(?i)(https?|ftp)://[^:/\s]+:[^@\s]+@`), "${1}://[REDACTED]@"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd|secret)[[:space:]]*[:=][[:space:]]*['"]?[^\s'"]{8,}`), "${1}=[REDACTED]"},
}

// LogSanitizer masks secrets in free text
type LogSanitizer struct {
	custom []*regexp.Regexp
}

// NewLogSanitizer returns a sanitizer with the built-in patterns
func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{}
}

// AddCustomPattern masks every match of pattern as [REDACTED]
func (ls *LogSanitizer) AddCustomPattern(pattern *regexp.Regexp) {
	ls.custom = append(ls.custom, pattern)
}

// AddLiteral masks an exact secret value, such as a resolved channel token.
func (ls *LogSanitizer) AddLiteral(secret string) {
	if len(secret) < 6 {
		return
	}
	ls.custom = append(ls.custom, regexp.MustCompile(regexp.QuoteMeta(secret)))
}

// Sanitize returns message with secrets replaced
func (ls *LogSanitizer) Sanitize(message string) string {
	for _, r := range redactions {
		message = r.pattern.ReplaceAllString(message, r.replace)
	}
	if ls == nil {
		return message
	}
	for _, pattern := range ls.custom {
		message = pattern.ReplaceAllString(message, "[REDACTED]")
	}
	return message
}

// SanitizeError sanitizes err's message
func (ls *LogSanitizer) SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return ls.Sanitize(err.Error())
}
