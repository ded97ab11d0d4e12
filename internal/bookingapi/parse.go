package bookingapi

import (
	"fmt"
	"strconv"
)

// The upstream shuffles its payloads: the venue listing alone has been seen
// under eight different field names. Decoding is therefore
// first-list-present-wins over a fixed key order, with raw blobs preserved.

var listKeys = []string{"data", "list", "rows", "records", "items", "content", "results", "result"}

// firstList returns the first list-shaped value among the known keys.
func firstList(m map[string]any) ([]any, bool) {
	for _, k := range listKeys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch vv := v.(type) {
		case []any:
			return vv, true
		case map[string]any:
			// one level of nesting: {"data": {"rows": [...]}}
			if inner, ok := firstList(vv); ok {
				return inner, true
			}
		}
	}
	return nil, false
}

// asString coerces strings and JSON numbers to string form.
func asString(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case float64:
		if vv == float64(int64(vv)) {
			return strconv.FormatInt(int64(vv), 10)
		}
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(vv)
	default:
		return fmt.Sprint(vv)
	}
}

// asFloat coerces numbers and numeric strings.
func asFloat(v any) float64 {
	switch vv := v.(type) {
	case float64:
		return vv
	case string:
		f, _ := strconv.ParseFloat(vv, 64)
		return f
	case int:
		return float64(vv)
	default:
		return 0
	}
}

func asInt(v any) int { return int(asFloat(v)) }

// pick returns the first present, non-empty value among keys.
func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			return v
		}
	}
	return nil
}

// flattenData unwraps a {"data": {...}} envelope one level when present.
func flattenData(m map[string]any) map[string]any {
	if d, ok := m["data"].(map[string]any); ok {
		return d
	}
	return m
}
