package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretBody matches the run of characters a credential is made of.
// \w covers base64url alphabets; the rest covers standard base64 padding.
const secretBody = `[\w./+=-]{16,}`

// prefixedSecretPatterns capture a key-like prefix in group 1 and the secret
// after it. The prefix survives replacement so log lines stay searchable.
var prefixedSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(api[-_]?key|secret[-_]?key|auth[-_]?token|access[-_]?token|bearer|password)["']?\s*[:=]\s*["']?` + secretBody + `["']?`),
	regexp.MustCompile(`(?i)\b(bearer\s+)` + secretBody),
	regexp.MustCompile(`(?i)\b(token|secret|key)\s*[:=]\s*["']?[0-9a-f]{8}(?:-[0-9a-f]{4}){3}-[0-9a-f]{12}["']?`),
}

// bareSecretPatterns match secrets recognizable without any prefix.
var bareSecretPatterns = []*regexp.Regexp{
	// Telegram bot tokens: numeric bot id, colon, secret.
	regexp.MustCompile(`\b\d{8,10}:[\w-]{30,}\b`),
}

var sensitiveEnvKeyParts = []string{
	"token", "secret", "password", "credential", "api_key", "apikey", "private_key",
}

// Redact replaces secret-bearing substrings with [REDACTED]. Applied to log
// lines and journalled event payloads before they leave the process.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range prefixedSecretPatterns {
		out = pat.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	}
	for _, pat := range bareSecretPatterns {
		out = pat.ReplaceAllString(out, redactedPlaceholder)
	}
	return out
}

// RedactEnvValue hides the value of any environment variable whose key
// looks secret.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, part := range sensitiveEnvKeyParts {
		if strings.Contains(lower, part) {
			return redactedPlaceholder
		}
	}
	return value
}
