package utils

import (
	"strconv"

	"github.com/google/uuid"
)

// GenerateRunID creates a unique identifier for a workflow execution.
func GenerateRunID() string {
	return "run_" + uuid.NewString()
}

// SafeString converts an interface to a string, returning "" for non-strings.
func SafeString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// SafeInt converts an interface to an int, returning 0 when not convertible.
func SafeInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return 0
}

// MergeMap merges source map entries into the destination map.
func MergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

// CopyMap creates a deep copy of a map, descending into nested maps and slices.
func CopyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = CopyValue(v)
	}
	return dst
}

// CopyValue copies a value, handling nested maps and slices.
func CopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CopyValue(item)
		}
		return out
	default:
		return v
	}
}
