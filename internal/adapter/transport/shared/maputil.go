package shared

import (
	"bytes"
	"encoding/json"
)

// GetString extracts a string value from a map, returning empty string if not found or wrong type.
func GetString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetFirstString returns the first non-empty string stored under any of keys.
func GetFirstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := GetString(m, key); v != "" {
			return v
		}
	}
	return ""
}

// GetInt64 extracts an integer value from a map, returning 0 if not found or wrong type.
// Handles JSON numbers which are decoded as float64.
func GetInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// GetBool extracts a bool value from a map, returning false if not found or wrong type.
func GetBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// GetMap extracts a nested map from a map, returning nil if not found or wrong type.
func GetMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// GetSlice extracts a slice from a map, returning nil if not found or wrong type.
func GetSlice(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

// CompactJSON strips insignificant whitespace so retained payloads stay small.
// Invalid JSON is returned as a copy.
func CompactJSON(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
