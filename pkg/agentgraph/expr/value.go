package expr

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path against vars. An exact key match wins over
// descending into nested maps. Unresolved paths return nil.
func Lookup(vars map[string]any, name string) any {
	if vars == nil {
		return nil
	}
	if v, ok := vars[name]; ok {
		return v
	}
	head, rest, found := strings.Cut(name, ".")
	if !found {
		return nil
	}
	switch inner := vars[head].(type) {
	case map[string]any:
		return Lookup(inner, rest)
	case map[string]string:
		if s, ok := inner[rest]; ok {
			return s
		}
	case interface{ Get(string) (any, bool) }:
		if v, ok := inner.Get(rest); ok {
			return v
		}
	}
	return nil
}

// IsTruthy returns whether a value is truthy.
// nil is false, bools return their value, empty strings are false,
// zero numbers are false, everything else is true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case int32:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	default:
		return true
	}
}

// ToFloat64 converts a value to float64 for numeric comparison.
// Returns 0 for values that cannot be converted.
func ToFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}
