// Derives schemas from Go struct types.

package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// FromType builds a Schema from the exported fields of struct T using their
// JSON names.
//
// Go types map as follows: bool to boolean, string to string, any integer or
// float kind to number, and slices of those to the matching list type.
// [2]float64 maps to coordinates, as does a []float64 field tagged
// `schema:"coordinates"`. A string field named "id" is the primary key and is
// skipped. Fields tagged json:"-" are ignored.
func FromType[T any]() (*Schema, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: type must be a struct or pointer to struct, got %s", ErrInvalidSchema, t.Kind())
	}

	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true, AllowAdditionalProperties: true}
	js := r.ReflectFromType(t)

	goFields := map[string]reflect.StructField{}
	for _, f := range reflect.VisibleFields(t) {
		if f.Anonymous || !f.IsExported() {
			continue
		}
		goFields[jsonFieldName(&f)] = f
	}

	fields := map[string]FieldType{}
	for pair := js.Properties.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		f, ok := goFields[name]
		if !ok {
			return nil, fmt.Errorf("%w: property %q has no matching Go field", ErrInvalidSchema, name)
		}
		typ, err := goTypeToFieldType(f.Type, f.Tag.Get("schema"))
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %w", ErrInvalidSchema, name, err)
		}
		if name == IDField {
			if typ != String {
				return nil, fmt.Errorf("%w: field %q must be a string", ErrInvalidSchema, IDField)
			}
			continue
		}
		fields[name] = typ
	}
	return New(fields)
}

// jsonFieldName returns the JSON field name for a struct field.
func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name
	}
	return name
}

// goTypeToFieldType maps a Go type to a field type. hint is the value of the
// field's "schema" tag.
func goTypeToFieldType(t reflect.Type, hint string) (FieldType, error) {
	if hint != "" {
		want, err := ParseFieldType(hint)
		if err != nil {
			return "", err
		}
		got, err := goTypeToFieldType(t, "")
		if err != nil {
			return "", err
		}
		if got != want && !(want == Coordinates && got == Numbers) {
			return "", fmt.Errorf("tag %q does not fit Go type %s", hint, t)
		}
		return want, nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return Boolean, nil
	case reflect.String:
		return String, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Number, nil
	case reflect.Array:
		if t.Len() == 2 && isNumberKind(t.Elem().Kind()) {
			return Coordinates, nil
		}
	case reflect.Slice:
		switch k := t.Elem().Kind(); {
		case k == reflect.Bool:
			return Booleans, nil
		case k == reflect.String:
			return Strings, nil
		case isNumberKind(k):
			return Numbers, nil
		}
	default:
	}
	return "", fmt.Errorf("unsupported Go type %s", t)
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
