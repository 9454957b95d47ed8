package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EvaluateConstraints runs a tool's constraints against parsed arguments in
// declaration order, stopping at the first violation. It never returns an
// allow verdict itself — callers combine the bool with RequiresApproval.
func EvaluateConstraints(constraints []Constraint, arguments map[string]interface{}) (ok bool, message string) {
	for _, c := range constraints {
		raw, present := arguments[c.ParamName]
		if !present {
			continue
		}
		text := stringify(raw)

		violated, err := violatesConstraint(c, text)
		if err != nil {
			// A malformed constraint (e.g. bad regex, non-numeric max_length)
			// fails closed: treat as a violation rather than silently passing.
			return false, fmt.Sprintf("Constraint violated: %s", describeConstraint(c, err))
		}
		if violated {
			if c.Description != "" {
				return false, fmt.Sprintf("Constraint violated: %s", c.Description)
			}
			return false, fmt.Sprintf("Constraint violated: %s %s on %s", c.Operator, strings.Join(c.Values, ","), c.ParamName)
		}
	}
	return true, ""
}

func violatesConstraint(c Constraint, text string) (bool, error) {
	switch c.Operator {
	case OpIn:
		return !contains(c.Values, text), nil
	case OpNotIn:
		return contains(c.Values, text), nil
	case OpContains:
		return !anySubstring(c.Values, text), nil
	case OpNotContains:
		return anySubstring(c.Values, text), nil
	case OpRegex:
		matched, err := anyRegexMatch(c.Values, text)
		return !matched, err
	case OpMaxLength:
		if len(c.Values) == 0 {
			return false, fmt.Errorf("max_length constraint on %s has no values", c.ParamName)
		}
		limit, err := strconv.Atoi(c.Values[0])
		if err != nil {
			return false, fmt.Errorf("max_length value %q is not an integer", c.Values[0])
		}
		return len(text) > limit, nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func describeConstraint(c Constraint, err error) string {
	return fmt.Sprintf("%s (%v)", c.ParamName, err)
}

func contains(values []string, text string) bool {
	for _, v := range values {
		if v == text {
			return true
		}
	}
	return false
}

func anySubstring(values []string, text string) bool {
	for _, v := range values {
		if strings.Contains(text, v) {
			return true
		}
	}
	return false
}

func anyRegexMatch(patterns []string, text string) (bool, error) {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", p, err)
		}
		if re.MatchString(text) {
			return true, nil
		}
	}
	return false, nil
}

// stringify coerces a JSON-decoded argument value to text the way the
// reference evaluator does: strings pass through, everything else is
// rendered via its Go string form.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ParseArguments parses an evaluation request's Arguments JSON text into a
// mapping. A parse failure yields an empty mapping (skips per-arg
// evaluation) rather than an error, matching the fail-open-on-parse,
// fail-closed-on-constraint contract.
func ParseArguments(argumentsJSON string) map[string]interface{} {
	m, err := parseJSONObject(argumentsJSON)
	if err != nil {
		return map[string]interface{}{}
	}
	return m
}
