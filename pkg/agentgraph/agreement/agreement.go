// Package agreement evaluates post-execution rules against node output.
//
// Rules run in declared order. A failing required rule blocks propagation of
// the output; a failing optional rule is only recorded.
package agreement

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind names a rule check.
type Kind string

const (
	Contains    Kind = "contains"
	NotContains Kind = "not_contains"
	MinWords    Kind = "min_words"
	MaxWords    Kind = "max_words"
	Regex       Kind = "regex"
	JSON        Kind = "json"
	Schema      Kind = "schema"
)

// ErrInvalidRule is wrapped by every Validate failure.
var ErrInvalidRule = errors.New("invalid agreement rule")

// Rule is one agreement parameter on a node.
type Rule struct {
	Name     string `json:"name" yaml:"name"`
	Kind     Kind   `json:"type" yaml:"type"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	Required bool   `json:"required" yaml:"required"`
}

// Label returns the rule name, falling back to its kind.
func (r Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Kind)
}

// Outcome is the result of one rule.
type Outcome struct {
	Rule   Rule   `json:"rule"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the ordered result of evaluating a node's rules.
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Passed reports whether every required rule passed.
func (r Report) Passed() bool {
	return len(r.FailedRequired()) == 0
}

// FailedRequired returns the labels of failed required rules, in order.
func (r Report) FailedRequired() []string {
	return r.failed(true)
}

// FailedOptional returns the labels of failed optional rules, in order.
func (r Report) FailedOptional() []string {
	return r.failed(false)
}

func (r Report) failed(required bool) []string {
	var out []string
	for _, o := range r.Outcomes {
		if !o.Passed && o.Rule.Required == required {
			out = append(out, o.Rule.Label())
		}
	}
	return out
}

// Correction returns an instruction for a retry after required failures,
// or "" when nothing required failed.
func (r Report) Correction() string {
	failed := r.FailedRequired()
	if len(failed) == 0 {
		return ""
	}
	msg := fmt.Sprintf("Your output failed the following validation rules: %s.", strings.Join(failed, ", "))
	for _, o := range r.Outcomes {
		if !o.Passed && o.Rule.Required && (o.Rule.Kind == JSON || o.Rule.Kind == Schema) {
			msg += " Please ensure your output is valid JSON or matches the requested schema."
			break
		}
	}
	return msg
}

// ViolationError reports failed required rules.
type ViolationError struct {
	Failed []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("agreement violation: %s", strings.Join(e.Failed, ", "))
}

// Err returns a *ViolationError when a required rule failed, else nil.
func (r Report) Err() error {
	if failed := r.FailedRequired(); len(failed) > 0 {
		return &ViolationError{Failed: failed}
	}
	return nil
}

// Validate checks rule kinds and values. It is called when a graph is compiled.
func Validate(rules []Rule) error {
	var errs []error
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			errs = append(errs, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRule, i, r.Label(), err))
		}
	}
	return errors.Join(errs...)
}

func validateRule(r Rule) error {
	switch r.Kind {
	case Contains, NotContains:
		if r.Value == nil {
			return errors.New("value is required")
		}
	case MinWords, MaxWords:
		n, ok := toInt(r.Value)
		if !ok || n < 0 {
			return fmt.Errorf("value must be a non-negative integer, got %v", r.Value)
		}
	case Regex:
		if _, err := regexp.Compile(fmt.Sprint(r.Value)); err != nil {
			return err
		}
	case JSON:
	case Schema:
		switch r.Value.(type) {
		case nil, []any, []string, map[string]any:
		default:
			return fmt.Errorf("value must be a key list or object, got %T", r.Value)
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

// Evaluate runs rules against output in order.
func Evaluate(output string, rules []Rule, caseInsensitive bool) Report {
	report := Report{Outcomes: make([]Outcome, 0, len(rules))}
	for _, r := range rules {
		passed, detail := check(output, r, caseInsensitive)
		report.Outcomes = append(report.Outcomes, Outcome{Rule: r, Passed: passed, Detail: detail})
	}
	return report
}

func check(output string, r Rule, caseInsensitive bool) (bool, string) {
	switch r.Kind {
	case Contains, NotContains:
		needle := fmt.Sprint(r.Value)
		hay := output
		if caseInsensitive {
			needle, hay = strings.ToLower(needle), strings.ToLower(hay)
		}
		found := strings.Contains(hay, needle)
		if r.Kind == Contains {
			return found, ""
		}
		return !found, ""
	case MinWords, MaxWords:
		n, ok := toInt(r.Value)
		if !ok {
			return false, fmt.Sprintf("bad word count %v", r.Value)
		}
		words := len(strings.Fields(output))
		if r.Kind == MinWords {
			return words >= n, fmt.Sprintf("%d words", words)
		}
		return words <= n, fmt.Sprintf("%d words", words)
	case Regex:
		pattern := fmt.Sprint(r.Value)
		if caseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err.Error()
		}
		return re.MatchString(output), ""
	case JSON:
		if _, err := ExtractJSON(output); err != nil {
			return false, err.Error()
		}
		return true, ""
	case Schema:
		data, err := ExtractJSON(output)
		if err != nil {
			return false, err.Error()
		}
		obj, ok := data.(map[string]any)
		if !ok {
			return r.Value == nil, "not an object"
		}
		for _, key := range schemaKeys(r.Value) {
			if _, ok := obj[key]; !ok {
				return false, fmt.Sprintf("missing key %q", key)
			}
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown kind %q", r.Kind)
	}
}

var jsonBlock = regexp.MustCompile(`(?s)(\{.*\})|(\[.*\])`)

// ExtractJSON decodes the outermost JSON object or array embedded in text,
// falling back to the whole text.
func ExtractJSON(text string) (any, error) {
	var v any
	if m := jsonBlock.FindString(text); m != "" {
		if err := json.Unmarshal([]byte(m), &v); err == nil {
			return v, nil
		}
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, fmt.Errorf("no valid JSON: %w", err)
	}
	return v, nil
}

func schemaKeys(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		keys := make([]string, 0, len(val))
		for _, k := range val {
			keys = append(keys, fmt.Sprint(k))
		}
		return keys
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}
