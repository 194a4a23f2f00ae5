package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive field values in log lines.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"action":    {},
	"asset":     {},
	"reserve":   {},
}

// IsAllowlisted reports whether the key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField redacts the value unless the key is allowlisted. Empty values
// pass through so absent fields stay visibly absent.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
