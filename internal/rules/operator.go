package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Operator is one entry in the closed comparison catalog. Unknown names are
// rejected at criteria compile time, never during evaluation.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpBetween      Operator = "between"
	OpNotBetween   Operator = "not_between"
	OpContains     Operator = "contains"
	OpStartsWith   Operator = "starts_with"
	OpEndsWith     Operator = "ends_with"
	OpExists       Operator = "exists"
	OpNotExists    Operator = "not_exists"
	OpRegex        Operator = "regex"
)

var operatorCatalog = map[Operator]struct{}{
	OpEqual: {}, OpNotEqual: {},
	OpGreater: {}, OpGreaterEqual: {}, OpLess: {}, OpLessEqual: {},
	OpIn: {}, OpNotIn: {},
	OpBetween: {}, OpNotBetween: {},
	OpContains: {}, OpStartsWith: {}, OpEndsWith: {},
	OpExists: {}, OpNotExists: {},
	OpRegex: {},
}

// ParseOperator validates an operator name against the catalog.
func ParseOperator(s string) (Operator, error) {
	op := Operator(s)
	if _, ok := operatorCatalog[op]; !ok {
		return "", fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}

// Apply compares actual against expected under op. Type mismatches evaluate
// to false, they are a normal rule failure. The only returned error is an
// invalid regex pattern, which the rule evaluator absorbs per rule.
func Apply(op Operator, actual, expected any) (bool, error) {
	switch op {
	case OpEqual:
		return looseEqual(actual, expected), nil
	case OpNotEqual:
		return !looseEqual(actual, expected), nil

	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case OpGreater:
			return a > b, nil
		case OpGreaterEqual:
			return a >= b, nil
		case OpLess:
			return a < b, nil
		default:
			return a <= b, nil
		}

	case OpIn:
		return memberOf(expected, actual), nil
	case OpNotIn:
		items, ok := toSlice(expected)
		if !ok {
			return false, nil
		}
		for _, item := range items {
			if looseEqual(actual, item) {
				return false, nil
			}
		}
		return true, nil

	case OpBetween, OpNotBetween:
		in, ok := between(actual, expected)
		if !ok {
			return false, nil
		}
		if op == OpNotBetween {
			return !in, nil
		}
		return in, nil

	case OpContains:
		if s, ok := actual.(string); ok {
			return strings.Contains(s, stringify(expected)), nil
		}
		return memberOf(actual, expected), nil

	case OpStartsWith:
		s, ok := actual.(string)
		return ok && strings.HasPrefix(s, stringify(expected)), nil
	case OpEndsWith:
		s, ok := actual.(string)
		return ok && strings.HasSuffix(s, stringify(expected)), nil

	case OpExists:
		return exists(actual), nil
	case OpNotExists:
		return !exists(actual), nil

	case OpRegex:
		s, sok := actual.(string)
		pattern, pok := expected.(string)
		if !sok || !pok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex pattern: %w", err)
		}
		return re.MatchString(s), nil
	}

	// Unreachable for operators admitted by ParseOperator.
	return false, fmt.Errorf("unknown operator %q", op)
}

// exists is true iff the value is non-null and not an empty string.
func exists(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// between checks value within inclusive [min, max]. A malformed expected
// value (not exactly two numeric elements) reports ok=false.
func between(actual, expected any) (in bool, ok bool) {
	bounds, isSlice := toSlice(expected)
	if !isSlice || len(bounds) != 2 {
		return false, false
	}
	v, vok := toFloat(actual)
	lo, lok := toFloat(bounds[0])
	hi, hok := toFloat(bounds[1])
	if !vok || !lok || !hok {
		return false, false
	}
	return v >= lo && v <= hi, true
}

// memberOf reports whether needle equals any element of haystack, which must
// be a slice; a non-slice haystack evaluates false.
func memberOf(haystack, needle any) bool {
	items, ok := toSlice(haystack)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(needle, item) {
			return true
		}
	}
	return false
}

// looseEqual compares numerically when both sides are numeric, otherwise by
// deep equality. JSON decoding yields float64 for all numbers, so rules
// written against ints still match.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// toSlice normalizes any slice type to []any via reflection; JSON arrays
// already arrive as []any.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
