// Implements the filter predicates.

package query

import (
	"fmt"
	"math"
	"slices"

	"github.com/davalapar/database/internal/geo"
	"github.com/davalapar/database/schema"
)

type predicate func(schema.Record) bool

func isNumber(t schema.FieldType) bool      { return t == schema.Number }
func isScalar(t schema.FieldType) bool      { return t.IsScalar() }
func isList(t schema.FieldType) bool        { return t.IsList() }
func isCoordinates(t schema.FieldType) bool { return t == schema.Coordinates }

// Gt keeps records whose number field is greater than value.
func (q *Query) Gt(field string, value float64) *Query {
	return q.compare("gt", field, value, func(a, b float64) bool { return a > b })
}

// Gte keeps records whose number field is greater than or equal to value.
func (q *Query) Gte(field string, value float64) *Query {
	return q.compare("gte", field, value, func(a, b float64) bool { return a >= b })
}

// Lt keeps records whose number field is less than value.
func (q *Query) Lt(field string, value float64) *Query {
	return q.compare("lt", field, value, func(a, b float64) bool { return a < b })
}

// Lte keeps records whose number field is less than or equal to value.
func (q *Query) Lte(field string, value float64) *Query {
	return q.compare("lte", field, value, func(a, b float64) bool { return a <= b })
}

func (q *Query) compare(op, field string, value float64, ok func(a, b float64) bool) *Query {
	if _, valid := q.lookup(op, field, isNumber); !valid {
		return q
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return q.fail(op, field, fmt.Errorf("%w: non-finite number %v", ErrInvalidValue, value))
	}
	q.filters = append(q.filters, func(r schema.Record) bool {
		n, _ := r[field].(float64)
		return ok(n, value)
	})
	return q
}

// Eq keeps records whose boolean, string or number field equals value.
func (q *Query) Eq(field string, value any) *Query {
	return q.equal("eq", field, value, true)
}

// Neq keeps records whose boolean, string or number field differs from value.
func (q *Query) Neq(field string, value any) *Query {
	return q.equal("neq", field, value, false)
}

func (q *Query) equal(op, field string, value any, want bool) *Query {
	typ, valid := q.lookup(op, field, isScalar)
	if !valid {
		return q
	}
	v, err := schema.CoerceValue(typ, value)
	if err != nil {
		return q.fail(op, field, fmt.Errorf("%w: %w", ErrInvalidValue, err))
	}
	q.filters = append(q.filters, func(r schema.Record) bool {
		return (r[field] == v) == want
	})
	return q
}

// Includes keeps records whose list field contains value.
func (q *Query) Includes(field string, value any) *Query {
	return q.membership("includes", field, []any{value}, func(has func(any) bool, vals []any) bool {
		return has(vals[0])
	})
}

// Excludes keeps records whose list field does not contain value.
func (q *Query) Excludes(field string, value any) *Query {
	return q.membership("excludes", field, []any{value}, func(has func(any) bool, vals []any) bool {
		return !has(vals[0])
	})
}

// IncludesSome keeps records whose list field contains at least one of
// values.
func (q *Query) IncludesSome(field string, values ...any) *Query {
	return q.membership("includes_some", field, values, anyOf)
}

// IncludesAll keeps records whose list field contains every one of values.
func (q *Query) IncludesAll(field string, values ...any) *Query {
	return q.membership("includes_all", field, values, allOf)
}

// ExcludesSome keeps records whose list field contains none of values.
func (q *Query) ExcludesSome(field string, values ...any) *Query {
	return q.membership("excludes_some", field, values, func(has func(any) bool, vals []any) bool {
		return !anyOf(has, vals)
	})
}

// ExcludesAll keeps records whose list field lacks at least one of values.
func (q *Query) ExcludesAll(field string, values ...any) *Query {
	return q.membership("excludes_all", field, values, func(has func(any) bool, vals []any) bool {
		return !allOf(has, vals)
	})
}

func anyOf(has func(any) bool, vals []any) bool {
	return slices.ContainsFunc(vals, has)
}

func allOf(has func(any) bool, vals []any) bool {
	for _, v := range vals {
		if !has(v) {
			return false
		}
	}
	return true
}

func (q *Query) membership(op, field string, values []any, ok func(has func(any) bool, vals []any) bool) *Query {
	typ, valid := q.lookup(op, field, isList)
	if !valid {
		return q
	}
	if len(values) == 0 {
		return q.fail(op, field, fmt.Errorf("%w: empty value list", ErrInvalidValue))
	}
	elem, _ := typ.Elem()
	vals := make([]any, len(values))
	for i, v := range values {
		c, err := schema.CoerceValue(elem, v)
		if err != nil {
			return q.fail(op, field, fmt.Errorf("%w: element %d: %w", ErrInvalidValue, i, err))
		}
		vals[i] = c
	}
	q.filters = append(q.filters, func(r schema.Record) bool {
		list := r[field]
		return ok(func(v any) bool { return contains(list, v) }, vals)
	})
	return q
}

// contains reports whether the typed list holds v.
func contains(list, v any) bool {
	switch l := list.(type) {
	case []bool:
		b, ok := v.(bool)
		return ok && slices.Contains(l, b)
	case []string:
		s, ok := v.(string)
		return ok && slices.Contains(l, s)
	case []float64:
		n, ok := v.(float64)
		return ok && slices.Contains(l, n)
	}
	return false
}

// InsideH keeps records whose coordinates lie within meters of origin along
// the great circle. Records with empty coordinates never match.
func (q *Query) InsideH(field string, origin []float64, meters float64) *Query {
	return q.distance("inside_h", field, origin, meters, true)
}

// OutsideH keeps records whose coordinates lie farther than meters from
// origin along the great circle. Records with empty coordinates never match.
func (q *Query) OutsideH(field string, origin []float64, meters float64) *Query {
	return q.distance("outside_h", field, origin, meters, false)
}

func (q *Query) distance(op, field string, origin []float64, meters float64, inside bool) *Query {
	if _, valid := q.lookup(op, field, isCoordinates); !valid {
		return q
	}
	o, err := coordinates(origin)
	if err != nil {
		return q.fail(op, field, err)
	}
	if math.IsNaN(meters) || math.IsInf(meters, 0) || meters < 0 {
		return q.fail(op, field, fmt.Errorf("%w: meters must be a finite non-negative number, got %v", ErrInvalidValue, meters))
	}
	q.filters = append(q.filters, func(r schema.Record) bool {
		c, _ := r[field].([]float64)
		if len(c) != 2 {
			return false
		}
		return (geo.Distance(o, c) <= meters) == inside
	})
	return q
}

// coordinates checks and copies a reference coordinate pair.
func coordinates(origin []float64) ([]float64, error) {
	c, err := schema.CoerceValue(schema.Coordinates, origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrInvalidValue, err)
	}
	return c.([]float64), nil
}
