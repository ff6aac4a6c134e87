package workflow

import (
	"fmt"
	"strings"

	"github.com/tombee/flightplan/pkg/errors"
)

// ConditionType discriminates the condition union.
type ConditionType string

const (
	// ConditionSimple compares one field against a value.
	ConditionSimple ConditionType = "simple"

	// ConditionAnd is true when all nested conditions are true.
	ConditionAnd ConditionType = "complex_and"

	// ConditionOr is true when any nested condition is true.
	ConditionOr ConditionType = "complex_or"

	// ConditionNot negates its nested condition.
	ConditionNot ConditionType = "complex_not"
)

// Condition is a recursive tagged union describing a branch predicate.
type Condition struct {
	// Type is the union discriminant.
	Type ConditionType `json:"type"`

	// Field, Operator and Value configure a simple comparison. Field is a
	// template reference resolved against the run scope.
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	// Conditions holds the nested terms for complex_and / complex_or.
	Conditions []Condition `json:"conditions,omitempty"`

	// Condition holds the negated term for complex_not.
	Condition *Condition `json:"condition,omitempty"`
}

// Operator applicability is type-directed: applying a numeric operator to a
// string field is a validation error, not a runtime surprise.
var (
	stringOperators  = map[string]bool{"==": true, "!=": true, "contains": true, "starts_with": true, "ends_with": true}
	numericOperators = map[string]bool{"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true}
	booleanOperators = map[string]bool{"==": true}
	arrayOperators   = map[string]bool{"contains": true, "includes": true, "in": true}
)

// allOperators is the union of every operator any field type accepts.
var allOperators = func() map[string]bool {
	out := make(map[string]bool)
	for _, set := range []map[string]bool{stringOperators, numericOperators, booleanOperators, arrayOperators} {
		for op := range set {
			out[op] = true
		}
	}
	return out
}()

// Validate checks the condition tree shape. Operator/value compatibility is
// checked where the value's type is known statically; references resolve at
// run time, so field-side typing is re-checked on evaluation.
func (c *Condition) Validate() error {
	switch c.Type {
	case ConditionSimple:
		if c.Field == "" {
			return &errors.ValidationError{
				Field:      "field",
				Message:    "simple condition requires a field reference",
				Suggestion: "reference an input or step output, e.g. {{step1.data.status}}",
			}
		}
		if !allOperators[c.Operator] {
			return &errors.ValidationError{
				Field:      "operator",
				Message:    fmt.Sprintf("unknown operator %q", c.Operator),
				Suggestion: "use one of ==, !=, >, >=, <, <=, contains, starts_with, ends_with, includes, in",
			}
		}
		if err := checkOperatorForValue(c.Operator, c.Value); err != nil {
			return err
		}
	case ConditionAnd, ConditionOr:
		if len(c.Conditions) == 0 {
			return &errors.ValidationError{
				Field:      "conditions",
				Message:    fmt.Sprintf("%s requires at least one nested condition", c.Type),
				Suggestion: "add nested condition objects",
			}
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return err
			}
		}
	case ConditionNot:
		if c.Condition == nil {
			return &errors.ValidationError{
				Field:      "condition",
				Message:    "complex_not requires a nested condition",
				Suggestion: "add the condition to negate",
			}
		}
		return c.Condition.Validate()
	default:
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown condition type %q", c.Type),
			Suggestion: "use simple, complex_and, complex_or or complex_not",
		}
	}
	return nil
}

// checkOperatorForValue rejects operator/value type mismatches that are
// knowable before execution (the comparison value is a literal).
func checkOperatorForValue(op string, value any) error {
	var set map[string]bool
	var kind string
	switch value.(type) {
	case nil:
		return nil // reference-valued comparisons resolve later
	case string:
		// Strings compare with string operators; "in" treats the value as
		// the containing collection and is array-directed.
		set, kind = stringOperators, "string"
		if op == "in" {
			return nil
		}
	case bool:
		set, kind = booleanOperators, "boolean"
	case float64, float32, int, int64, int32:
		set, kind = numericOperators, "number"
	case []any:
		set, kind = arrayOperators, "array"
	default:
		return nil
	}
	if !set[op] {
		return &errors.ValidationError{
			Field:      "operator",
			Message:    fmt.Sprintf("operator %q does not apply to %s values", op, kind),
			Suggestion: fmt.Sprintf("use one of %s for %s fields", operatorList(set), kind),
		}
	}
	return nil
}

func operatorList(set map[string]bool) string {
	ops := make([]string, 0, len(set))
	for op := range set {
		ops = append(ops, op)
	}
	// Deterministic order for error messages.
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			if ops[j] < ops[i] {
				ops[i], ops[j] = ops[j], ops[i]
			}
		}
	}
	return strings.Join(ops, ", ")
}

// Evaluate resolves the condition against already-resolved field values.
// The resolve callback maps a field reference to its run-time value.
func (c *Condition) Evaluate(resolve func(ref string) (any, error)) (bool, error) {
	switch c.Type {
	case ConditionSimple:
		fieldVal, err := resolve(c.Field)
		if err != nil {
			return false, err
		}
		return evaluateSimple(fieldVal, c.Operator, c.Value)
	case ConditionAnd:
		for i := range c.Conditions {
			ok, err := c.Conditions[i].Evaluate(resolve)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case ConditionOr:
		for i := range c.Conditions {
			ok, err := c.Conditions[i].Evaluate(resolve)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ConditionNot:
		ok, err := c.Condition.Evaluate(resolve)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, &errors.ValidationError{
		Field:   "type",
		Message: fmt.Sprintf("unknown condition type %q", c.Type),
	}
}

// evaluateSimple applies a single operator with type-directed semantics.
func evaluateSimple(field any, op string, value any) (bool, error) {
	switch v := field.(type) {
	case string:
		return evaluateString(v, op, value)
	case bool:
		if !booleanOperators[op] {
			return false, operatorTypeError(op, "boolean")
		}
		bv, ok := value.(bool)
		if !ok {
			return false, operatorTypeError(op, "boolean")
		}
		return v == bv, nil
	case float64, float32, int, int64, int32:
		return evaluateNumeric(toFloat(field), op, value)
	case []any:
		return evaluateArray(v, op, value)
	case nil:
		switch op {
		case "==":
			return value == nil, nil
		case "!=":
			return value != nil, nil
		}
		return false, nil
	default:
		return false, &errors.ValidationError{
			Field:   "field",
			Message: fmt.Sprintf("cannot apply %q to value of type %T", op, field),
		}
	}
}

func evaluateString(field, op string, value any) (bool, error) {
	// "in" checks membership of the field within an array value.
	if op == "in" {
		arr, ok := value.([]any)
		if !ok {
			return false, operatorTypeError(op, "string")
		}
		for _, item := range arr {
			if s, ok := item.(string); ok && s == field {
				return true, nil
			}
		}
		return false, nil
	}

	if !stringOperators[op] {
		return false, operatorTypeError(op, "string")
	}
	sv := fmt.Sprintf("%v", value)
	switch op {
	case "==":
		return field == sv, nil
	case "!=":
		return field != sv, nil
	case "contains":
		return strings.Contains(field, sv), nil
	case "starts_with":
		return strings.HasPrefix(field, sv), nil
	case "ends_with":
		return strings.HasSuffix(field, sv), nil
	}
	return false, operatorTypeError(op, "string")
}

func evaluateNumeric(field float64, op string, value any) (bool, error) {
	if !numericOperators[op] {
		return false, operatorTypeError(op, "number")
	}
	var nv float64
	switch v := value.(type) {
	case float64, float32, int, int64, int32:
		nv = toFloat(v)
	default:
		return false, operatorTypeError(op, "number")
	}
	switch op {
	case "==":
		return field == nv, nil
	case "!=":
		return field != nv, nil
	case ">":
		return field > nv, nil
	case ">=":
		return field >= nv, nil
	case "<":
		return field < nv, nil
	case "<=":
		return field <= nv, nil
	}
	return false, operatorTypeError(op, "number")
}

func evaluateArray(field []any, op string, value any) (bool, error) {
	if !arrayOperators[op] {
		return false, operatorTypeError(op, "array")
	}
	// contains/includes/in are synonyms over arrays: membership of value.
	for _, item := range field {
		if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", value) {
			return true, nil
		}
	}
	return false, nil
}

func operatorTypeError(op, kind string) error {
	return &errors.ValidationError{
		Field:      "operator",
		Message:    fmt.Sprintf("operator %q does not apply to %s fields", op, kind),
		Suggestion: fmt.Sprintf("check the operator table for %s fields", kind),
	}
}

// toFloat normalizes the numeric types JSON unmarshaling can produce.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}
