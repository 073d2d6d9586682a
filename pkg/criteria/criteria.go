// Package criteria evaluates field conditions against property documents.
// Rule preconditions are expressed as conditions over matched graph
// properties, addressed with dot notation ("r1.activity_strength").
package criteria

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpExists   = "exists"
	OpContains = "contains"
)

// Condition is one field test. Exists takes an optional boolean, in takes a
// list and contains tests list membership of the field value.
type Condition struct {
	Field    string
	Operator string
	Value    any
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Validate checks that the operator is known and the value has a usable shape.
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition has no field")
	}
	switch c.Operator {
	case OpEq, OpNe, OpContains:
		return nil
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := ToFloat64(c.Value); !ok {
			return fmt.Errorf("condition %s: %s needs a numeric value", c.Field, c.Operator)
		}
		return nil
	case OpIn:
		if _, ok := toSlice(c.Value); !ok {
			return fmt.Errorf("condition %s: in needs a list value", c.Field)
		}
		return nil
	case OpExists:
		if c.Value == nil {
			return nil
		}
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("condition %s: exists needs a boolean value", c.Field)
		}
		return nil
	default:
		return fmt.Errorf("condition %s: unknown operator %q", c.Field, c.Operator)
	}
}

// Evaluate reports whether data satisfies every condition.
func Evaluate(data map[string]any, conditions []Condition) bool {
	for _, cond := range conditions {
		if !cond.Match(data) {
			return false
		}
	}
	return true
}

// Lookup retrieves a value from a nested map using dot notation
func Lookup(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := m[part]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// Match reports whether data satisfies c. A field holding null counts as
// absent.
func (c Condition) Match(data map[string]any) bool {
	value, ok := Lookup(data, c.Field)
	ok = ok && value != nil

	switch c.Operator {
	case OpExists:
		want, isBool := c.Value.(bool)
		return ok == (want || !isBool)
	case OpNe:
		return !ok || !equal(value, c.Value)
	}
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return equal(value, c.Value)
	case OpContains:
		items, isList := toSlice(value)
		return isList && slices.ContainsFunc(items, func(item any) bool { return equal(item, c.Value) })
	case OpIn:
		options, isList := toSlice(c.Value)
		return isList && slices.ContainsFunc(options, func(opt any) bool { return equal(value, opt) })
	case OpGt, OpGte, OpLt, OpLte:
		x, okX := ToFloat64(value)
		y, okY := ToFloat64(c.Value)
		if !okX || !okY {
			return false
		}
		switch c.Operator {
		case OpGt:
			return x > y
		case OpGte:
			return x >= y
		case OpLt:
			return x < y
		default:
			return x <= y
		}
	}
	return false
}

// equal compares with numeric coercion, then by formatted value.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	x, okX := ToFloat64(a)
	y, okY := ToFloat64(b)
	if okX && okY {
		return x == y
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// ToFloat64 converts numeric values, and numeric strings, to float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
