// Package clone deep-copies record values.
//
// Only the value kinds a record can hold are accepted: booleans, strings,
// finite numbers, and slices or string-keyed maps of those. Anything else,
// including nil, NaN and ±Inf, is rejected so a bad value is caught before
// it is stored or handed out.
package clone

import (
	"errors"
	"fmt"
	"math"

	"github.com/tiendc/go-deepcopy"
)

var (
	// ErrUnsupported is returned for a value kind that cannot be cloned.
	ErrUnsupported = errors.New("clone: unsupported value")
	// ErrNotFinite is returned for NaN and ±Inf.
	ErrNotFinite = errors.New("clone: non-finite number")
)

// Value returns a deep copy of v.
func Value[T any](v T) (T, error) {
	var out T
	if err := check(v); err != nil {
		return out, err
	}
	if err := deepcopy.Copy(&out, v); err != nil {
		return out, fmt.Errorf("clone: %w", err)
	}
	return out, nil
}

// Map returns a deep copy of a string-keyed map.
func Map(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil map", ErrUnsupported)
	}
	return Value(m)
}

func check(v any) error {
	switch t := v.(type) {
	case bool, string:
		return nil
	case float64:
		return checkFloat(t)
	case float32:
		return checkFloat(float64(t))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case []bool, []string:
		return nil
	case []float64:
		for _, f := range t {
			if err := checkFloat(f); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, e := range t {
			if err := check(e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, e := range t {
			if err := check(e); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case nil:
		return fmt.Errorf("%w: nil", ErrUnsupported)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func checkFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrNotFinite, f)
	}
	return nil
}
