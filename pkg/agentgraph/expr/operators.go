package expr

import (
	"fmt"
	"regexp"
	"strings"
)

// Compare compares two values using the specified operator.
// Returns an error for unknown operators.
func Compare(left, right any, op string) (bool, error) {
	switch op {
	case "==":
		return equals(left, right), nil
	case "!=":
		return !equals(left, right), nil
	case "<":
		return ToFloat64(left) < ToFloat64(right), nil
	case ">":
		return ToFloat64(left) > ToFloat64(right), nil
	case "<=":
		return ToFloat64(left) <= ToFloat64(right), nil
	case ">=":
		return ToFloat64(left) >= ToFloat64(right), nil
	case "contains":
		return strings.Contains(stringify(left), stringify(right)), nil
	case "matches":
		re, err := regexp.Compile(stringify(right))
		if err != nil {
			return false, fmt.Errorf("expr: invalid pattern %q: %w", stringify(right), err)
		}
		return re.MatchString(stringify(left)), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

func equals(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if isNumber(left) && isNumber(right) {
		return ToFloat64(left) == ToFloat64(right)
	}
	return stringify(left) == stringify(right)
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
