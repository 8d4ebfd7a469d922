// Validates and coerces records against a schema.

package schema

import (
	"fmt"
	"math"
	"reflect"
)

// Validate checks that r holds exactly the schema's fields, each with the Go
// representation of its declared type. It fails on the first violation.
func (s *Schema) Validate(r Record) error {
	if r == nil {
		return fmt.Errorf("%w: expected a record, got nil", ErrInvalidRecord)
	}
	for _, f := range s.fields {
		v, ok := r[f.Name]
		if !ok {
			return &FieldError{Field: f.Name, Want: f.Type, Got: "missing"}
		}
		if err := validateValue(f, v); err != nil {
			return err
		}
	}
	if len(r) != len(s.fields) {
		for name := range r {
			if !s.Has(name) {
				return &FieldError{Field: name, Reason: "not declared in schema"}
			}
		}
	}
	return nil
}

func validateValue(f Field, v any) error {
	switch f.Type {
	case Boolean:
		if _, ok := v.(bool); !ok {
			return &FieldError{Field: f.Name, Want: f.Type, Got: kindOf(v)}
		}
	case String:
		if _, ok := v.(string); !ok {
			return &FieldError{Field: f.Name, Want: f.Type, Got: kindOf(v)}
		}
	case Number:
		n, ok := v.(float64)
		if !ok {
			return &FieldError{Field: f.Name, Want: f.Type, Got: kindOf(v)}
		}
		if err := finite(f, n); err != nil {
			return err
		}
	case Booleans:
		if _, ok := v.([]bool); !ok {
			return &FieldError{Field: f.Name, Want: f.Type, Got: kindOf(v)}
		}
	case Strings:
		if _, ok := v.([]string); !ok {
			return &FieldError{Field: f.Name, Want: f.Type, Got: kindOf(v)}
		}
	case Numbers, Coordinates:
		l, ok := v.([]float64)
		if !ok {
			return &FieldError{Field: f.Name, Want: f.Type, Got: kindOf(v)}
		}
		for _, n := range l {
			if err := finite(f, n); err != nil {
				return err
			}
		}
		if f.Type == Coordinates && len(l) != 2 {
			return &FieldError{Field: f.Name, Want: f.Type, Reason: fmt.Sprintf("expected 2 coordinates, got %d", len(l))}
		}
	default:
		return &FieldError{Field: f.Name, Reason: fmt.Sprintf("unknown type %q", f.Type)}
	}
	return nil
}

// Coerce converts loosely typed values, as produced by decoding JSON or BSON
// or written by hand in Go, into the canonical representation and validates
// the result. Integers become float64 and []any become typed slices. The
// returned record never shares containers with m.
func (s *Schema) Coerce(m map[string]any) (Record, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: expected a record, got nil", ErrInvalidRecord)
	}
	out := make(Record, len(s.fields))
	for _, f := range s.fields {
		v, ok := m[f.Name]
		if !ok {
			return nil, &FieldError{Field: f.Name, Want: f.Type, Got: "missing"}
		}
		c, err := coerceValue(f, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = c
	}
	if len(m) != len(s.fields) {
		for name := range m {
			if !s.Has(name) {
				return nil, &FieldError{Field: name, Reason: "not declared in schema"}
			}
		}
	}
	if err := s.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func coerceValue(f Field, v any) (any, error) {
	switch f.Type {
	case Boolean, String:
		return v, nil
	case Number:
		if n, ok := toFloat(v); ok {
			return n, nil
		}
		return v, nil
	case Booleans:
		switch t := v.(type) {
		case []bool:
			return append([]bool{}, t...), nil
		}
		items, ok := toSlice(v)
		if !ok {
			return v, nil
		}
		out := make([]bool, len(items))
		for i, e := range items {
			b, ok := e.(bool)
			if !ok {
				return nil, &FieldError{Field: f.Name, Reason: fmt.Sprintf("element %d: expected boolean, got %s", i, kindOf(e))}
			}
			out[i] = b
		}
		return out, nil
	case Strings:
		switch t := v.(type) {
		case []string:
			return append([]string{}, t...), nil
		}
		items, ok := toSlice(v)
		if !ok {
			return v, nil
		}
		out := make([]string, len(items))
		for i, e := range items {
			s, ok := e.(string)
			if !ok {
				return nil, &FieldError{Field: f.Name, Reason: fmt.Sprintf("element %d: expected string, got %s", i, kindOf(e))}
			}
			out[i] = s
		}
		return out, nil
	case Numbers, Coordinates:
		switch t := v.(type) {
		case []float64:
			return append([]float64{}, t...), nil
		case [2]float64:
			return []float64{t[0], t[1]}, nil
		}
		items, ok := toSlice(v)
		if !ok {
			return v, nil
		}
		out := make([]float64, len(items))
		for i, e := range items {
			n, ok := toFloat(e)
			if !ok {
				return nil, &FieldError{Field: f.Name, Reason: fmt.Sprintf("element %d: expected number, got %s", i, kindOf(e))}
			}
			out[i] = n
		}
		return out, nil
	}
	return v, nil
}

// toSlice returns the elements of any slice or array value.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
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
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func finite(f Field, n float64) error {
	if math.IsNaN(n) {
		return &FieldError{Field: f.Name, Want: f.Type, Got: "NaN"}
	}
	if math.IsInf(n, 0) {
		return &FieldError{Field: f.Name, Want: f.Type, Got: "non-finite number"}
	}
	return nil
}

// kindOf names the kind of v in schema terms.
func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	case []bool:
		return "booleans"
	case []string:
		return "strings"
	case []float64:
		return "numbers"
	case []any:
		return "list"
	case map[string]any, Record:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// Defaults returns a copy of r where every missing field is set to its type's
// zero value. Present fields are kept as is. "id" is left alone when absent;
// callers assign it.
func (s *Schema) Defaults(r Record) Record {
	out := make(Record, len(s.fields))
	for k, v := range r {
		out[k] = v
	}
	for _, f := range s.fields[1:] {
		if _, ok := out[f.Name]; !ok {
			out[f.Name] = f.Type.Zero()
		}
	}
	return out
}

// CoerceValue normalizes and checks a single value of type t, as Coerce does
// for each field of a record.
func CoerceValue(t FieldType, v any) (any, error) {
	f := Field{Name: "value", Type: t}
	c, err := coerceValue(f, v)
	if err != nil {
		return nil, err
	}
	if err := validateValue(f, c); err != nil {
		return nil, err
	}
	return c, nil
}
