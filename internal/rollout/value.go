// File path: internal/rollout/value.go
package rollout

import "math"

// Helpers for picking typed fields out of the opaque JSON documents the
// rollout format is built from. Unknown or mistyped fields read as absent.

func stringField(m map[string]any, keys ...string) string {
	s, _ := stringValue(m, keys...)
	return s
}

func stringValue(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key]; ok {
		if nested, ok := v.(map[string]any); ok {
			return nested
		}
	}
	return nil
}

func arrayField(m map[string]any, key string) []any {
	if v, ok := m[key]; ok {
		if arr, ok := v.([]any); ok {
			return arr
		}
	}
	return nil
}

func boolField(m map[string]any, keys ...string) *bool {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return &b
			}
		}
	}
	return nil
}

// intField reads a non-negative integral JSON number, matching the permissive
// unsigned reads the rollout format relies on.
func intField(m map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		f, ok := v.(float64)
		if !ok || f < 0 || f != math.Trunc(f) {
			continue
		}
		n := int64(f)
		return &n
	}
	return nil
}

func stringSlice(arr []any) []string {
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
