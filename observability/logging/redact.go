package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// plainKeys never carry customer or credential data.
var plainKeys = map[string]struct{}{
	"service":        {},
	"env":            {},
	"error":          {},
	"reason":         {},
	"transaction_id": {},
	"session_key":    {},
	"status":         {},
	"asset":          {},
	"kind":           {},
	"bank_code":      {},
}

// IsPlain reports whether values logged under key are emitted unredacted.
func IsPlain(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns RedactedValue for non-empty values so logs show whether a
// secret is configured without revealing it.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return RedactedValue
}

// MaskField returns an attribute whose value is redacted unless key is plain.
func MaskField(key, value string) slog.Attr {
	if IsPlain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskTail keeps the last four characters of an identifier such as a bank account
// number and masks the rest.
func MaskTail(key, value string) slog.Attr {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= 4 {
		return MaskField(key, trimmed)
	}
	return slog.String(key, strings.Repeat("*", len(trimmed)-4)+trimmed[len(trimmed)-4:])
}
