package util

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CompactJSON renders an opaque value as compact JSON. Strings pass through
// unchanged, nil becomes the empty string, and unmarshalable values are
// stringified rather than dropped.
func CompactJSON(value interface{}) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}

// MaybeJSON parses a string that looks like a JSON object or array. Anything
// else (including malformed JSON) returns nil so the raw string survives.
func MaybeJSON(value string) interface{} {
	stripped := strings.TrimSpace(value)
	if stripped == "" || (stripped[0] != '{' && stripped[0] != '[') {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
		return nil
	}
	return parsed
}

// JSONFriendly returns the value unchanged when it can be marshaled to JSON,
// and a stringified fallback otherwise.
func JSONFriendly(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Sprintf("%v", value)
	}
	return value
}
