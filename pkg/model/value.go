// Package model holds the value types shared by every component of the
// check execution engine: the check/step definition, events, scopes,
// results, issues, and the dynamic Value union that flows between steps.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Value is a dynamically-typed output value: a provider's CheckResult.Output
// may be a string, a number, a boolean, a list, a map, or nil. Providers
// return Go-native types (string, float64, bool, []interface{},
// map[string]interface{}, nil); Value wraps whichever of those a provider
// produced and offers the small set of accessors the expression sandbox and
// aggregator need without repeated type assertions scattered across the
// engine.
type Value struct {
	raw interface{}
}

// NewValue wraps an arbitrary Go value coming out of a provider.
func NewValue(v interface{}) Value {
	if vv, ok := v.(Value); ok {
		return vv
	}
	return Value{raw: v}
}

// Raw returns the underlying Go value (string | float64 | bool |
// []interface{} | map[string]interface{} | nil).
func (v Value) Raw() interface{} { return v.raw }

// IsNil reports whether the value is absent.
func (v Value) IsNil() bool { return v.raw == nil }

// String coerces the value to a string representation.
func (v Value) String() string {
	switch t := v.raw.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Array returns the value as a slice, or (nil, false) if it isn't one.
// A JSON-encoded string containing an array is also accepted, per the
// ForEach contract in §4.4 ("array, or a JSON-parseable string").
func (v Value) Array() ([]interface{}, bool) {
	switch t := v.raw.(type) {
	case []interface{}:
		return t, true
	case string:
		var out []interface{}
		if err := json.Unmarshal([]byte(t), &out); err == nil {
			return out, true
		}
	}
	return nil, false
}

// Map returns the value as a map, or (nil, false) if it isn't one.
func (v Value) Map() (map[string]interface{}, bool) {
	switch t := v.raw.(type) {
	case map[string]interface{}:
		return t, true
	case string:
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(t), &out); err == nil {
			return out, true
		}
	}
	return nil, false
}

// Bool returns the value's truthiness in the engine's predicate sense:
// false, 0, "", nil, and empty collections are falsy; everything else is
// truthy. This mirrors the loose-truthiness a JS-like sandbox expects.
func (v Value) Bool() bool {
	switch t := v.raw.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

// MarshalJSON lets Value participate directly in CheckResult JSON encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw)
}

// UnmarshalJSON decodes arbitrary JSON into the dynamic Value union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.raw = raw
	return nil
}
