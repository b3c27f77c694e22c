package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TypedValue is a tagged union over the dynamic value types a customer-data
// entry or variable default can hold. Exactly one payload field is meaningful,
// selected by Type. Structured payloads stay opaque JSON bytes.
type TypedValue struct {
	Type  ValueType       `json:"type"`
	Str   string          `json:"-"`
	Int   int64           `json:"-"`
	Float float64         `json:"-"`
	Bool  bool            `json:"-"`
	Time  time.Time       `json:"-"`
	Raw   json.RawMessage `json:"-"`
}

// StringValue builds a string-typed value.
func StringValue(s string) TypedValue {
	return TypedValue{Type: ValueTypeString, Str: s}
}

// IntValue builds an int-typed value.
func IntValue(i int64) TypedValue {
	return TypedValue{Type: ValueTypeInt, Int: i}
}

// FloatValue builds a float-typed value.
func FloatValue(f float64) TypedValue {
	return TypedValue{Type: ValueTypeFloat, Float: f}
}

// BoolValue builds a bool-typed value.
func BoolValue(b bool) TypedValue {
	return TypedValue{Type: ValueTypeBool, Bool: b}
}

// TimestampValue builds a timestamp-typed value.
func TimestampValue(t time.Time) TypedValue {
	return TypedValue{Type: ValueTypeTimestamp, Time: t.UTC()}
}

// StructuredValue wraps opaque JSON bytes.
func StructuredValue(raw json.RawMessage) TypedValue {
	return TypedValue{Type: ValueTypeStructured, Raw: raw}
}

// ParseTypedValue coerces a dynamically-typed value (as produced by JSON
// decoding) into a TypedValue of the requested type.
func ParseTypedValue(v any, t ValueType) (TypedValue, error) {
	switch t {
	case ValueTypeString:
		s, ok := v.(string)
		if !ok {
			return TypedValue{}, fmt.Errorf("expected string, got %T", v)
		}
		return StringValue(s), nil
	case ValueTypeInt:
		switch n := v.(type) {
		case int:
			return IntValue(int64(n)), nil
		case int64:
			return IntValue(n), nil
		case float64:
			if n != float64(int64(n)) {
				return TypedValue{}, fmt.Errorf("expected int, got fractional %v", n)
			}
			return IntValue(int64(n)), nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return TypedValue{}, fmt.Errorf("expected int, got %q", n)
			}
			return IntValue(i), nil
		}
		return TypedValue{}, fmt.Errorf("expected int, got %T", v)
	case ValueTypeFloat:
		switch n := v.(type) {
		case float64:
			return FloatValue(n), nil
		case int:
			return FloatValue(float64(n)), nil
		case int64:
			return FloatValue(float64(n)), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return TypedValue{}, fmt.Errorf("expected float, got %q", n)
			}
			return FloatValue(f), nil
		}
		return TypedValue{}, fmt.Errorf("expected float, got %T", v)
	case ValueTypeBool:
		b, ok := v.(bool)
		if !ok {
			return TypedValue{}, fmt.Errorf("expected bool, got %T", v)
		}
		return BoolValue(b), nil
	case ValueTypeTimestamp:
		s, ok := v.(string)
		if !ok {
			return TypedValue{}, fmt.Errorf("expected RFC 3339 timestamp string, got %T", v)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return TypedValue{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return TimestampValue(ts), nil
	case ValueTypeStructured:
		raw, err := json.Marshal(v)
		if err != nil {
			return TypedValue{}, fmt.Errorf("marshaling structured value: %w", err)
		}
		return StructuredValue(raw), nil
	}
	return TypedValue{}, fmt.Errorf("unknown value type %q", t)
}

// Format renders the value as a string for prompt interpolation and
// template substitution.
func (v TypedValue) Format() string {
	switch v.Type {
	case ValueTypeString:
		return v.Str
	case ValueTypeInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueTypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueTypeBool:
		return strconv.FormatBool(v.Bool)
	case ValueTypeTimestamp:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case ValueTypeStructured:
		return string(v.Raw)
	}
	return ""
}

// IsZero reports whether the value is the unset zero value.
func (v TypedValue) IsZero() bool {
	return v.Type == ""
}

// Equal compares two values by type and payload. Structured payloads
// compare by exact bytes.
func (v TypedValue) Equal(o TypedValue) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValueTypeString:
		return v.Str == o.Str
	case ValueTypeInt:
		return v.Int == o.Int
	case ValueTypeFloat:
		return v.Float == o.Float
	case ValueTypeBool:
		return v.Bool == o.Bool
	case ValueTypeTimestamp:
		return v.Time.Equal(o.Time)
	case ValueTypeStructured:
		return string(v.Raw) == string(o.Raw)
	}
	return false
}

// typedValueEnvelope is the wire form: {"type": ..., "value": ...}.
type typedValueEnvelope struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (v TypedValue) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Type {
	case ValueTypeString:
		payload = v.Str
	case ValueTypeInt:
		payload = v.Int
	case ValueTypeFloat:
		payload = v.Float
	case ValueTypeBool:
		payload = v.Bool
	case ValueTypeTimestamp:
		payload = v.Time.UTC().Format(time.RFC3339Nano)
	case ValueTypeStructured:
		return json.Marshal(typedValueEnvelope{Type: v.Type, Value: v.Raw})
	default:
		return nil, fmt.Errorf("cannot marshal value of unknown type %q", v.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValueEnvelope{Type: v.Type, Value: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *TypedValue) UnmarshalJSON(data []byte) error {
	var env typedValueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if !env.Type.IsValid() {
		return fmt.Errorf("unknown value type %q", env.Type)
	}
	switch env.Type {
	case ValueTypeString:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case ValueTypeInt:
		var i int64
		if err := json.Unmarshal(env.Value, &i); err != nil {
			return err
		}
		*v = IntValue(i)
	case ValueTypeFloat:
		var f float64
		if err := json.Unmarshal(env.Value, &f); err != nil {
			return err
		}
		*v = FloatValue(f)
	case ValueTypeBool:
		var b bool
		if err := json.Unmarshal(env.Value, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case ValueTypeTimestamp:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		*v = TimestampValue(ts)
	case ValueTypeStructured:
		*v = StructuredValue(append(json.RawMessage(nil), env.Value...))
	}
	return nil
}
