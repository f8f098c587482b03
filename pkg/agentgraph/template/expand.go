package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	bracePattern    = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)
	mustachePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)
)

// Expander expands variable placeholders in strings.
// It is safe for concurrent use after construction.
type Expander struct {
	missingAction MissingAction
	braceStyle    bool
	mustacheStyle bool
}

// NewExpander creates a new Expander. Both placeholder styles are enabled
// and missing variables are kept by default.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{
		missingAction: MissingKeep,
		braceStyle:    true,
		mustacheStyle: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand expands placeholders in s using vars.
//
// Errors are only returned when MissingAction is MissingError and
// a variable is not found; the partially expanded string is still returned.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	if s == "" {
		return "", nil
	}

	result := s
	var missing []string

	replace := func(pattern *regexp.Regexp) {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			name := pattern.FindStringSubmatch(match)[1]
			if val, ok := lookup(vars, name); ok {
				return render(val)
			}
			switch e.missingAction {
			case MissingEmpty:
				return ""
			case MissingError:
				missing = append(missing, name)
				return match
			default:
				return match
			}
		})
	}

	if e.braceStyle {
		replace(bracePattern)
	}
	if e.mustacheStyle {
		replace(mustachePattern)
	}

	if len(missing) > 0 {
		return result, &UndefinedVariableError{Names: missing}
	}
	return result, nil
}

// MustExpand expands s and panics on error.
func (e *Expander) MustExpand(s string, vars map[string]any) string {
	result, err := e.Expand(s, vars)
	if err != nil {
		panic(fmt.Sprintf("template: %v", err))
	}
	return result
}

// ExpandMap expands placeholders in every string value of m, recursing into
// nested maps. Non-string values are copied as-is.
func (e *Expander) ExpandMap(m map[string]any, vars map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}

	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			expanded, err := e.Expand(val, vars)
			if err != nil {
				return nil, err
			}
			result[k] = expanded
		case map[string]any:
			expanded, err := e.ExpandMap(val, vars)
			if err != nil {
				return nil, err
			}
			result[k] = expanded
		default:
			result[k] = v
		}
	}
	return result, nil
}

// Variables returns the distinct placeholder names referenced by s, in order
// of first appearance.
func Variables(s string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, pattern := range []*regexp.Regexp{bracePattern, mustachePattern} {
		for _, m := range pattern.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

// UndefinedVariableError is returned when MissingError is set and
// one or more variables are not found.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

func lookup(vars map[string]any, name string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if v, ok := vars[name]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(name, ".")
	if !found {
		return nil, false
	}
	switch inner := vars[head].(type) {
	case map[string]any:
		return lookup(inner, rest)
	case interface{ Get(string) (any, bool) }:
		return inner.Get(rest)
	}
	return nil, false
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case bool, int, int32, int64, float32, float64, uint, uint32, uint64:
		return fmt.Sprintf("%v", val)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

var defaultExpander = NewExpander()

// Expand expands placeholders with the default expander. Missing variables
// stay as-is.
func Expand(s string, vars map[string]any) string {
	result, _ := defaultExpander.Expand(s, vars)
	return result
}
