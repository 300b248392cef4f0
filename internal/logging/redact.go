package logging

import "regexp"

// redactedPlaceholder replaces anything that looks like a credential in log
// output. Delivery credentials (bot tokens) pass through this package on every
// reminder, so redaction is applied to every line.
const redactedPlaceholder = "[REDACTED]"

var (
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|bot[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	// Telegram bot tokens: numeric bot id, colon, 30+ char secret.
	telegramTokenPattern = regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_-]{30,}\b`)
)

func sanitizeLogLine(line string) string {
	sanitized := sensitiveKeyValuePattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + redactedPlaceholder + submatches[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + redactedPlaceholder
	})

	sanitized = telegramTokenPattern.ReplaceAllString(sanitized, redactedPlaceholder)
	return sanitized
}
