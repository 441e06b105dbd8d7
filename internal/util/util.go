// Package util holds small helpers shared by providers, caching, and the
// query layer: timestamp parsing, content flattening, and string cleanup.
package util

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ParseTimestamp converts assorted timestamp representations into UTC times.
// Supports ISO8601 strings, unix epoch seconds, and milliseconds. Returns the
// zero time when the value is missing or unrecognised.
func ParseTimestamp(value interface{}) time.Time {
	switch v := value.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return v
	case float64:
		return fromEpoch(v)
	case float32:
		return fromEpoch(float64(v))
	case int:
		return fromEpoch(float64(v))
	case int64:
		return fromEpoch(float64(v))
	case string:
		cleaned := strings.TrimSpace(v)
		if cleaned == "" {
			return time.Time{}
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.999999999",
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if ts, err := time.Parse(layout, cleaned); err == nil {
				return ts
			}
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

func fromEpoch(seconds float64) time.Time {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}
	}
	if seconds > 1e12 { // treat as milliseconds
		seconds /= 1000.0
	}
	if seconds <= 0 || seconds > 1e11 {
		return time.Time{}
	}
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// StringifyContent flattens content blobs from various provider formats into
// human readable text.
func StringifyContent(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case map[string]interface{}:
		// Prefer known keys
		for _, key := range []string{"text", "content", "value"} {
			if nested, ok := v[key]; ok {
				return StringifyContent(nested)
			}
		}
		// fall back to joining nested values in a stable order
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		chunks := make([]string, 0, len(keys))
		for _, key := range keys {
			chunks = append(chunks, StringifyContent(v[key]))
		}
		return strings.Join(chunks, " ")
	case []interface{}:
		chunks := make([]string, 0, len(v))
		for _, item := range v {
			chunks = append(chunks, StringifyContent(item))
		}
		return strings.Join(chunks, " ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CoalesceString returns the first candidate with non-blank content.
func CoalesceString(values ...interface{}) string {
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// Coalesce returns the first non-nil, non-blank value.
func Coalesce(values ...interface{}) interface{} {
	for _, value := range values {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return value
	}
	return nil
}

// StripPrivateUse removes private-use Unicode characters (citation markers
// emitted by some providers) from text.
func StripPrivateUse(text string) string {
	if text == "" {
		return ""
	}
	if !strings.ContainsFunc(text, isPrivateUse) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isPrivateUse(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPrivateUse(r rune) bool {
	return r >= 0xE000 && r < 0xF900
}
