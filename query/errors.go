package query

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownField is returned when a query references a field the schema
	// does not declare.
	ErrUnknownField = errors.New("unknown field")
	// ErrFieldType is returned when an operation does not apply to the
	// field's declared type.
	ErrFieldType = errors.New("operation not applicable to field type")
	// ErrInvalidValue is returned for an argument of the wrong type, a
	// non-finite number, a malformed coordinate pair or an empty value list.
	ErrInvalidValue = errors.New("invalid value")
	// ErrUsage is returned for conflicting or repeated builder calls.
	ErrUsage = errors.New("invalid query usage")
)

// Error describes a rejected builder call.
type Error struct {
	Op    string
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("query %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("query %s %q: %v", e.Op, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
