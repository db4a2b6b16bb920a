package schema

import (
	"strconv"
	"strings"
	"time"
)

// Sanitize normalizes an entry document's representation in place:
// stringly-typed numbers and booleans are coerced, timestamps are
// normalized to RFC 3339, and names are trimmed. Semantic content is
// never altered — a quantity of "2" becomes 2, never anything else.
func Sanitize(doc map[string]any) {
	if meta, ok := doc["metadata"].(map[string]any); ok {
		trimString(meta, "id")
		trimString(meta, "mealPlanId")
		trimString(meta, "weekStartDate")
		trimString(meta, "deviceId")
		trimString(meta, "syncStatus")
		normalizeTime(meta, "generatedAt")
		normalizeTime(meta, "lastModified")
		coerceNumber(meta, "version")
		coerceNumber(meta, "schemaVersion")
	}

	_ = eachItem(doc, func(item map[string]any) error {
		trimString(item, "id")
		trimString(item, "name")
		trimString(item, "unit")
		trimString(item, "syncStatus")
		coerceNumber(item, "quantity")
		coerceBool(item, "checked")
		normalizeTime(item, "lastModified")
		return nil
	})
}

func trimString(m map[string]any, key string) {
	if s, ok := m[key].(string); ok {
		m[key] = strings.TrimSpace(s)
	}
}

// coerceNumber converts a numeric string to a number. Anything else is
// left untouched for validation to reject.
func coerceNumber(m map[string]any, key string) {
	s, ok := m[key].(string)
	if !ok {
		return
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		m[key] = n
	}
}

func coerceBool(m map[string]any, key string) {
	s, ok := m[key].(string)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		m[key] = true
	case "false":
		m[key] = false
	}
}

// normalizeTime rewrites recognizable timestamp representations as
// RFC 3339 strings: RFC 3339 variants pass through normalized, and
// numeric epoch-millisecond values are converted.
func normalizeTime(m map[string]any, key string) {
	switch v := m[key].(type) {
	case string:
		if t, ok := parseDocTime(v); ok {
			m[key] = t.UTC().Format(time.RFC3339Nano)
		}
	case float64:
		m[key] = time.UnixMilli(int64(v)).UTC().Format(time.RFC3339Nano)
	}
}

// parseDocTime accepts the timestamp encodings seen in stored payloads.
func parseDocTime(v any) (time.Time, bool) {
	str, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, str); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
