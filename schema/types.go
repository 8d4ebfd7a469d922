// Field types and their Go representations.

package schema

import (
	"fmt"
	"slices"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	Boolean     FieldType = "boolean"
	String      FieldType = "string"
	Number      FieldType = "number"
	Booleans    FieldType = "booleans"
	Strings     FieldType = "strings"
	Numbers     FieldType = "numbers"
	Coordinates FieldType = "coordinates"
)

// IDField is the implicit primary key present in every schema.
const IDField = "id"

// AllTypes lists the accepted field types.
var AllTypes = []FieldType{Boolean, String, Number, Booleans, Strings, Numbers, Coordinates}

// Valid reports whether t is one of the accepted field types.
func (t FieldType) Valid() bool {
	return slices.Contains(AllTypes, t)
}

// IsList reports whether t is one of the list types (booleans, strings,
// numbers). Coordinates are a fixed pair, not a list.
func (t FieldType) IsList() bool {
	switch t {
	case Booleans, Strings, Numbers:
		return true
	case Boolean, String, Number, Coordinates:
		return false
	}
	return false
}

// IsScalar reports whether t is boolean, string or number.
func (t FieldType) IsScalar() bool {
	switch t {
	case Boolean, String, Number:
		return true
	case Booleans, Strings, Numbers, Coordinates:
		return false
	}
	return false
}

// Elem returns the element type of a list type.
func (t FieldType) Elem() (FieldType, bool) {
	switch t {
	case Booleans:
		return Boolean, true
	case Strings:
		return String, true
	case Numbers:
		return Number, true
	case Boolean, String, Number, Coordinates:
		return "", false
	}
	return "", false
}

// Zero returns the zero value for t.
func (t FieldType) Zero() any {
	switch t {
	case Boolean:
		return false
	case String:
		return ""
	case Number:
		return float64(0)
	case Booleans:
		return []bool{}
	case Strings:
		return []string{}
	case Numbers:
		return []float64{}
	case Coordinates:
		return []float64{0, 0}
	}
	return nil
}

// ParseFieldType parses the textual name of a field type.
func ParseFieldType(s string) (FieldType, error) {
	t := FieldType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown field type %q", ErrInvalidSchema, s)
	}
	return t, nil
}

// Record is one row of a table: field name to value.
type Record map[string]any

// ID returns the record's id, or "" if absent or not a string.
func (r Record) ID() string {
	s, _ := r[IDField].(string)
	return s
}
