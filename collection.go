// Implements a typed view of a table for Go struct records.

package database

import (
	"fmt"
	"iter"

	"github.com/goccy/go-json"

	"github.com/davalapar/database/query"
	"github.com/davalapar/database/schema"
)

// Collection stores values of struct type T in a Table. T's exported fields,
// named by their json tags, must match the table schema exactly; see
// schema.FromType for the type mapping. T must have a string field tagged
// json:"id".
type Collection[T any] struct {
	table *Table
}

// NewCollection returns a typed view of t.
func NewCollection[T any](t *Table) (*Collection[T], error) {
	s, err := schema.FromType[T]()
	if err != nil {
		return nil, &Error{Kind: KindSchema, Op: "collection", Table: t.label, Err: err}
	}
	if s.Fingerprint() != t.schema.Fingerprint() {
		return nil, &Error{Kind: KindSchema, Op: "collection", Table: t.label, Err: fmt.Errorf("%w: type has fields {%s}, table has {%s}", schema.ErrInvalidSchema, s, t.schema)}
	}
	return &Collection[T]{table: t}, nil
}

// Table returns the underlying table.
func (c *Collection[T]) Table() *Table {
	return c.table
}

// Add stores v. An empty id is replaced by a generated one. It returns the
// stored value.
func (c *Collection[T]) Add(v T) (T, error) {
	var zero T
	r, err := c.toRecord("add", v)
	if err != nil {
		return zero, err
	}
	if r.ID() == "" {
		id, err := c.table.ID()
		if err != nil {
			return zero, err
		}
		r[schema.IDField] = id
	}
	stored, err := c.table.Add(r)
	if err != nil {
		return zero, err
	}
	return c.fromRecord("add", stored)
}

// Update replaces the stored value with the same id.
func (c *Collection[T]) Update(v T) (T, error) {
	var zero T
	r, err := c.toRecord("update", v)
	if err != nil {
		return zero, err
	}
	stored, err := c.table.Update(r)
	if err != nil {
		return zero, err
	}
	return c.fromRecord("update", stored)
}

// Get returns the value with the given id.
func (c *Collection[T]) Get(id string) (T, error) {
	r, err := c.table.Get(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.fromRecord("get", r)
}

// Delete removes the value with the given id.
func (c *Collection[T]) Delete(id string) error {
	return c.table.Delete(id)
}

// Query starts a query over the table.
func (c *Collection[T]) Query() *query.Query {
	return c.table.Query()
}

// Results runs q and decodes its records. q must not use Select or Deselect
// unless T tolerates missing fields.
func (c *Collection[T]) Results(q *query.Query) ([]T, error) {
	recs, err := q.Results()
	if err != nil {
		return nil, err
	}
	out := make([]T, len(recs))
	for i, r := range recs {
		if out[i], err = c.fromRecord("results", r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// All returns an iterator over all values in table order.
func (c *Collection[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for r, err := range c.table.All() {
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(c.fromRecord("all", r)) {
				return
			}
		}
	}
}

func (c *Collection[T]) toRecord(op string, v T) (schema.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Table: c.table.label, Err: fmt.Errorf("failed to encode value: %w", err)}
	}
	var r schema.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Table: c.table.label, Err: fmt.Errorf("failed to encode value: %w", err)}
	}
	if r == nil {
		return nil, &Error{Kind: KindValidation, Op: op, Table: c.table.label, Err: schema.ErrInvalidRecord}
	}
	// nil slices encode as null.
	for _, f := range c.table.schema.Fields() {
		if v, ok := r[f.Name]; ok && v == nil && f.Type.IsList() {
			r[f.Name] = f.Type.Zero()
		}
	}
	return r, nil
}

func (c *Collection[T]) fromRecord(op string, r schema.Record) (T, error) {
	var v T
	data, err := json.Marshal(r)
	if err != nil {
		return v, &Error{Kind: KindValidation, Op: op, Table: c.table.label, ID: r.ID(), Err: fmt.Errorf("failed to decode record: %w", err)}
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &Error{Kind: KindValidation, Op: op, Table: c.table.label, ID: r.ID(), Err: fmt.Errorf("failed to decode record: %w", err)}
	}
	return v, nil
}
