// Package redact removes sensitive information from strings before they are
// logged, stored as a task failure message or returned in an error response.
//
// Portal credentials are the main concern: login failures tend to echo the
// submitted form, and session errors echo cookie headers.
package redact

import (
	"regexp"
)

// Placeholders substituted for redacted fragments.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedCookiePlaceholder     = "[REDACTED_COOKIE]"
)

type rule struct {
	pattern     *regexp.Regexp
	placeholder string
}

// secretRules match credentials only. They are safe to apply to messages
// shown to the owning user.
var secretRules = []rule{
	// postgres://user:pass@, redis://:pass@ and friends
	{regexp.MustCompile(`(?i)(postgres(?:ql)?|redis|rediss|mysql|mongodb|db|database|connection)://[^@\s]+@`),
		RedactedCredentialPlaceholder},
	// "password":"..." in a JSON payload
	{regexp.MustCompile(`(?i)"(password|senha)"\s*:\s*"[^"]*"`), `"$1":"` + RedactionPlaceholder + `"`},
	{regexp.MustCompile(`(?i)(password|passwd|pwd|senha)([=:\s]?['"]?)[^'"&\s]{3,}`), RedactedCredentialPlaceholder},
	// Portal session cookies, bare or inside a Cookie header
	{regexp.MustCompile(`(?i)\b(JSESSIONID|SESSION|studus[\w-]*)=[^;\s"]+`), "$1=" + RedactedCookiePlaceholder},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|key|access|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`),
		RedactedKeyPlaceholder},
	{regexp.MustCompile(`(AKIA|AccessKey(Id)?)([^a-zA-Z0-9])?[A-Z0-9]{8,}`), RedactedKeyPlaceholder},
}

// detailRules match implementation details that should not reach API clients.
var detailRules = []rule{
	{regexp.MustCompile(`(/[\w.-]+){2,}`), RedactedPathPlaceholder},
	{regexp.MustCompile(`[A-Za-z]:\\[^\\]+(\\[^\\]+)+`), RedactedPathPlaceholder},
	{regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`), "[STACK_TRACE_REDACTED]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(
		`(?i)(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|GRANT)[\s\w,*()]+(?:FROM|INTO|SET|TABLE|DATABASE|SCHEMA|VIEW)(?:[\s\w,*()='"]+)?`,
	), "[REDACTED_SQL]"},
	{regexp.MustCompile(`(?:at )?line ?\d+`), "[REDACTED_LINE_NUMBER]"},
	{regexp.MustCompile(`(?i)syntax error|syntax problem|parse error`), "[REDACTED_SYNTAX_ERROR]"},
	{regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}(?::\d{1,5})?\b`),
		"[REDACTED_HOST]"},
	{regexp.MustCompile(`(?i)(?:no such file|file not found|can't open|cannot open|file error)`),
		"[REDACTED_FILE_ERROR]"},
}

func apply(input string, rules []rule) string {
	for _, r := range rules {
		input = r.pattern.ReplaceAllString(input, r.placeholder)
	}
	return input
}

// String redacts credentials and implementation details from input.
func String(input string) string {
	if input == "" {
		return input
	}
	return apply(apply(input, secretRules), detailRules)
}

// Error redacts sensitive information from an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Secrets redacts credentials only, leaving paths, hosts and selectors
// readable. Use it for diagnostics kept for the user who owns them.
func Secrets(input string) string {
	if input == "" {
		return input
	}
	return apply(input, secretRules)
}
