// Handles schema normalization, canonical field order and fingerprinting.

package schema

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// Field is one entry of the canonical field list.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is a normalized, immutable table schema.
type Schema struct {
	fields      []Field
	types       map[string]FieldType
	fingerprint string
}

// New normalizes a field-type map into a Schema.
//
// The map must not declare "id"; it is injected as the leading string field.
// The remaining fields are ordered by name.
func New(fields map[string]FieldType) (*Schema, error) {
	if fields == nil {
		return nil, fmt.Errorf("%w: expected a field map, got nil", ErrInvalidSchema)
	}
	names := make([]string, 0, len(fields))
	for name, typ := range fields {
		if name == IDField {
			return nil, fmt.Errorf("%w: field %q is reserved", ErrInvalidSchema, IDField)
		}
		if name == "" || strings.TrimSpace(name) != name {
			return nil, fmt.Errorf("%w: invalid field name %q", ErrInvalidSchema, name)
		}
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, name, typ)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	s := &Schema{
		fields: make([]Field, 0, len(names)+1),
		types:  make(map[string]FieldType, len(names)+1),
	}
	s.fields = append(s.fields, Field{Name: IDField, Type: String})
	s.types[IDField] = String
	for _, name := range names {
		s.fields = append(s.fields, Field{Name: name, Type: fields[name]})
		s.types[name] = fields[name]
	}
	s.fingerprint = fingerprint(s.fields)
	return s, nil
}

// Parse is New for textual type names, as found in configuration files.
func Parse(fields map[string]string) (*Schema, error) {
	if fields == nil {
		return nil, fmt.Errorf("%w: expected a field map, got nil", ErrInvalidSchema)
	}
	m := make(map[string]FieldType, len(fields))
	for name, typ := range fields {
		t, err := ParseFieldType(typ)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		m[name] = t
	}
	return New(m)
}

// MustNew is New that panics on error. Meant for package-level declarations.
func MustNew(fields map[string]FieldType) *Schema {
	s, err := New(fields)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the canonical field list: "id" first, then by name.
func (s *Schema) Fields() []Field {
	return slices.Clone(s.fields)
}

// Names returns the field names in canonical order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Type returns the declared type of a field.
func (s *Schema) Type(name string) (FieldType, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Has reports whether the schema declares the field.
func (s *Schema) Has(name string) bool {
	_, ok := s.types[name]
	return ok
}

// Len returns the number of fields including "id".
func (s *Schema) Len() int {
	return len(s.fields)
}

// Map returns the declared field types, without "id".
func (s *Schema) Map() map[string]FieldType {
	m := make(map[string]FieldType, len(s.fields)-1)
	for _, f := range s.fields[1:] {
		m[f.Name] = f.Type
	}
	return m
}

// Fingerprint identifies the schema's field set. Two schemas have the same
// fingerprint if and only if they declare the same fields with the same types.
func (s *Schema) Fingerprint() string {
	return s.fingerprint
}

func (s *Schema) String() string {
	var b strings.Builder
	for i, f := range s.fields {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(string(f.Type))
	}
	return b.String()
}

// fingerprint hashes the canonical [[name, type], ...] encoding.
func fingerprint(fields []Field) string {
	pairs := make([][2]string, len(fields))
	for i, f := range fields {
		pairs[i] = [2]string{f.Name, string(f.Type)}
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		// Marshaling a slice of string pairs cannot fail.
		panic(err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
