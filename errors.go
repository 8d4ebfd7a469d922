package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/davalapar/database/query"
	"github.com/davalapar/database/schema"
)

// Kind classifies an error by how the caller should react to it.
type Kind string

const (
	// KindSchema is an invalid schema declaration. Fatal at Open.
	KindSchema Kind = "schema"
	// KindValidation is a record that violates its schema. The mutation is
	// not applied.
	KindValidation Kind = "validation"
	// KindLookup is a missing record, table or field.
	KindLookup Kind = "lookup"
	// KindUsage is an invalid combination of arguments.
	KindUsage Kind = "usage"
	// KindMigration is a stored schema mismatch that could not be migrated.
	// Fatal at Open.
	KindMigration Kind = "migration"
	// KindIO is a failure reading or writing table files.
	KindIO Kind = "io"
)

var (
	// ErrNotFound is returned when an id is not in the table.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID is returned when adding a record whose id exists.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrEmptyID is returned when a record has an empty id.
	ErrEmptyID = errors.New("empty id")
	// ErrUnknownTable is returned for a label no table was configured with.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownField is returned for a field the schema does not declare.
	ErrUnknownField = errors.New("unknown field")
	// ErrNotNumber is returned when incrementing a field that is not a number.
	ErrNotNumber = errors.New("field is not a number")
	// ErrMigrationRequired is returned when a stored table was written with a
	// different schema and no migration function is configured.
	ErrMigrationRequired = errors.New("stored schema differs and no migration function is configured")
	// ErrClosed is returned by mutations on a table of a closed database.
	ErrClosed = errors.New("database is closed")
)

// Error is the error type returned by Database and Table operations.
type Error struct {
	Kind  Kind
	Op    string
	Table string
	ID    string
	Field string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Table != "" {
		fmt.Fprintf(&b, " %s", e.Table)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " id=%q", e.ID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%q", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind with no other
// fields set, so errors.Is(err, &Error{Kind: KindLookup}) tests the kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Table == "" && t.ID == "" && t.Field == "" && t.Err == nil
}

// KindOf classifies err. It recognizes *Error as well as the errors of the
// schema and query packages. It returns "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, query.ErrUnknownField):
		return KindLookup
	case errors.Is(err, query.ErrFieldType), errors.Is(err, query.ErrInvalidValue), errors.Is(err, query.ErrUsage):
		return KindUsage
	case errors.Is(err, schema.ErrInvalidSchema):
		return KindSchema
	case errors.Is(err, schema.ErrInvalidRecord):
		return KindValidation
	}
	return ""
}
