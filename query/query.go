// Implements the query builder and the results pipeline.

package query

import (
	"fmt"
	"math"
	"slices"

	"github.com/davalapar/database/internal/clone"
	"github.com/davalapar/database/schema"
)

type projection int

const (
	projectNone projection = iota
	projectSelect
	projectDeselect
)

// Query is a chainable filter/sort/paginate/project pipeline bound to a
// schema and a record snapshot.
type Query struct {
	schema  *schema.Schema
	records []schema.Record

	filters []predicate
	sorts   []sortKey

	limit  int // 0 means unbounded.
	offset int
	page   int

	projection projection
	fields     []string

	err error
}

// New starts a query over records, which must satisfy s. The slice and the
// records are read but never modified.
func New(s *schema.Schema, records []schema.Record) *Query {
	return &Query{schema: s, records: records}
}

// Err returns the first rejected builder call, if any.
func (q *Query) Err() error {
	return q.err
}

func (q *Query) fail(op, field string, err error) *Query {
	if q.err == nil {
		q.err = &Error{Op: op, Field: field, Err: err}
	}
	return q
}

// lookup returns the declared type of field if it exists and accepts is true
// for it. On failure it latches the error and returns false.
func (q *Query) lookup(op, field string, accepts func(schema.FieldType) bool) (schema.FieldType, bool) {
	if q.err != nil {
		return "", false
	}
	typ, ok := q.schema.Type(field)
	if !ok {
		q.fail(op, field, ErrUnknownField)
		return "", false
	}
	if !accepts(typ) {
		q.fail(op, field, fmt.Errorf("%w: %s", ErrFieldType, typ))
		return "", false
	}
	return typ, true
}

// Limit caps the number of results. n must be greater than zero.
func (q *Query) Limit(n int) *Query {
	if q.err != nil {
		return q
	}
	if n <= 0 {
		return q.fail("limit", "", fmt.Errorf("%w: %d is not greater than zero", ErrInvalidValue, n))
	}
	if q.limit != 0 {
		return q.fail("limit", "", fmt.Errorf("%w: limit already set", ErrUsage))
	}
	q.limit = n
	return q
}

// Offset skips the first n results. n must be greater than zero. Offset and
// Page are mutually exclusive.
func (q *Query) Offset(n int) *Query {
	if q.err != nil {
		return q
	}
	if n <= 0 {
		return q.fail("offset", "", fmt.Errorf("%w: %d is not greater than zero", ErrInvalidValue, n))
	}
	if q.page != 0 {
		return q.fail("offset", "", fmt.Errorf("%w: cannot use offset with page", ErrUsage))
	}
	if q.offset != 0 {
		return q.fail("offset", "", fmt.Errorf("%w: offset already set", ErrUsage))
	}
	q.offset = n
	return q
}

// Page selects the 1-indexed window of Limit results. Without a limit, page 1
// holds every result and later pages are empty. Offset and Page are mutually
// exclusive.
func (q *Query) Page(n int) *Query {
	if q.err != nil {
		return q
	}
	if n <= 0 {
		return q.fail("page", "", fmt.Errorf("%w: %d is not greater than zero", ErrInvalidValue, n))
	}
	if q.offset != 0 {
		return q.fail("page", "", fmt.Errorf("%w: cannot use page with offset", ErrUsage))
	}
	if q.page != 0 {
		return q.fail("page", "", fmt.Errorf("%w: page already set", ErrUsage))
	}
	q.page = n
	return q
}

// Select restricts results to the named fields.
func (q *Query) Select(fields ...string) *Query {
	return q.project("select", projectSelect, fields)
}

// Deselect removes the named fields from results.
func (q *Query) Deselect(fields ...string) *Query {
	return q.project("deselect", projectDeselect, fields)
}

func (q *Query) project(op string, mode projection, fields []string) *Query {
	if q.err != nil {
		return q
	}
	if len(fields) == 0 {
		return q.fail(op, "", fmt.Errorf("%w: empty field list", ErrUsage))
	}
	if q.projection != projectNone {
		return q.fail(op, "", fmt.Errorf("%w: projection already set", ErrUsage))
	}
	for _, f := range fields {
		if !q.schema.Has(f) {
			return q.fail(op, f, ErrUnknownField)
		}
	}
	q.projection = mode
	q.fields = slices.Clone(fields)
	return q
}

// Results runs the pipeline and returns deep copies of the matching records.
func (q *Query) Results() ([]schema.Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	list := q.filter()
	q.sort(list)
	list = q.paginate(list)
	out := make([]schema.Record, len(list))
	for i, r := range list {
		p, err := q.project1(r)
		if err != nil {
			return nil, fmt.Errorf("failed to copy record %q: %w", r.ID(), err)
		}
		out[i] = p
	}
	return out, nil
}

// Count returns the number of records matching the filters. Sorts,
// pagination and projection are ignored.
func (q *Query) Count() (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	n := 0
	for _, r := range q.records {
		if q.match(r) {
			n++
		}
	}
	return n, nil
}

// First returns the first result, if any.
func (q *Query) First() (schema.Record, bool, error) {
	if q.err != nil {
		return nil, false, q.err
	}
	list := q.filter()
	q.sort(list)
	list = q.paginate(list)
	if len(list) == 0 {
		return nil, false, nil
	}
	r, err := q.project1(list[0])
	if err != nil {
		return nil, false, fmt.Errorf("failed to copy record %q: %w", list[0].ID(), err)
	}
	return r, true, nil
}

// filter returns a new slice holding the records that satisfy every
// predicate.
func (q *Query) filter() []schema.Record {
	if len(q.filters) == 0 {
		return slices.Clone(q.records)
	}
	out := make([]schema.Record, 0, len(q.records))
	for _, r := range q.records {
		if q.match(r) {
			out = append(out, r)
		}
	}
	return out
}

func (q *Query) match(r schema.Record) bool {
	for _, p := range q.filters {
		if !p(r) {
			return false
		}
	}
	return true
}

func (q *Query) paginate(list []schema.Record) []schema.Record {
	start, end := 0, len(list)
	switch {
	case q.offset > 0:
		start = q.offset
		if q.limit > 0 {
			end = sat(q.offset, q.limit)
		}
	case q.page > 0:
		if q.limit > 0 {
			start = sat(0, mulSat(q.page-1, q.limit))
			end = sat(start, q.limit)
		} else if q.page > 1 {
			start = len(list)
		}
	case q.limit > 0:
		end = q.limit
	}
	start = min(start, len(list))
	end = min(max(end, start), len(list))
	return list[start:end]
}

func sat(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

func mulSat(a, b int) int {
	if a != 0 && b > math.MaxInt/a {
		return math.MaxInt
	}
	return a * b
}

// project1 returns a deep copy of r restricted by the projection.
func (q *Query) project1(r schema.Record) (schema.Record, error) {
	var src map[string]any
	switch q.projection {
	case projectSelect:
		src = make(map[string]any, len(q.fields))
		for _, f := range q.fields {
			src[f] = r[f]
		}
	case projectDeselect:
		src = make(map[string]any, len(r))
		for k, v := range r {
			if !slices.Contains(q.fields, k) {
				src[k] = v
			}
		}
	case projectNone:
		src = r
	}
	m, err := clone.Map(src)
	if err != nil {
		return nil, err
	}
	return schema.Record(m), nil
}
