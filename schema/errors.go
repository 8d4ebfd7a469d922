package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchema is returned for a malformed schema declaration.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrInvalidRecord is returned when a record violates its schema.
	ErrInvalidRecord = errors.New("invalid record")
)

// FieldError describes the first field of a record that violates the schema.
type FieldError struct {
	Field  string
	Want   FieldType
	Got    string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("field %q: expected %s, got %s", e.Field, e.Want, e.Got)
}

// Unwrap makes errors.Is(err, ErrInvalidRecord) hold.
func (e *FieldError) Unwrap() error {
	return ErrInvalidRecord
}
