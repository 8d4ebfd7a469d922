// Implements a schema-typed, in-memory table.

package database

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/maruel/ksid"

	"github.com/davalapar/database/internal/clone"
	"github.com/davalapar/database/internal/storage"
	"github.com/davalapar/database/query"
	"github.com/davalapar/database/schema"
)

// Table holds the records of one label.
//
// Stored records are never modified in place: every mutation stores a new
// map. Query snapshots and saves therefore read records without holding the
// lock.
type Table struct {
	label    string
	schema   *schema.Schema
	idScheme IDScheme
	files    storage.FileSet
	db       *Database
	logger   *slog.Logger

	mu    sync.RWMutex
	list  []schema.Record
	index map[string]int // id to position in list.
	gen   uint64         // Incremented by every mutation.
	saved uint64         // gen as of the last successful save.
}

// Label returns the table name.
func (t *Table) Label() string {
	return t.label
}

// Schema returns the table schema.
func (t *Table) Schema() *schema.Schema {
	return t.schema
}

// ID returns a new identifier not present in the table.
func (t *Table) ID() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for {
		id, err := t.newID()
		if err != nil {
			return "", &Error{Kind: KindIO, Op: "id", Table: t.label, Err: err}
		}
		if _, ok := t.index[id]; !ok {
			return id, nil
		}
	}
}

func (t *Table) newID() (string, error) {
	if t.idScheme == IDSortable {
		return ksid.NewID().String(), nil
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// Defaults returns a copy of r with missing fields set to their zero value.
func (t *Table) Defaults(r schema.Record) schema.Record {
	return t.schema.Defaults(r)
}

// Add stores a new record and returns a copy of it. The record must satisfy
// the schema and carry an id not already in the table.
func (t *Table) Add(r schema.Record) (schema.Record, error) {
	rec, err := t.prepare("add", r)
	if err != nil {
		return nil, err
	}
	id := rec.ID()
	t.mu.Lock()
	if err := t.closedErr("add"); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if _, ok := t.index[id]; ok {
		t.mu.Unlock()
		return nil, &Error{Kind: KindValidation, Op: "add", Table: t.label, ID: id, Err: ErrDuplicateID}
	}
	t.index[id] = len(t.list)
	t.list = append(t.list, rec)
	t.gen++
	t.mu.Unlock()
	t.db.requestSave()
	return t.copy("add", rec)
}

// Update replaces the stored record with the same id, keeping its position,
// and returns a copy of it.
func (t *Table) Update(r schema.Record) (schema.Record, error) {
	rec, err := t.prepare("update", r)
	if err != nil {
		return nil, err
	}
	id := rec.ID()
	t.mu.Lock()
	if err := t.closedErr("update"); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	i, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return nil, &Error{Kind: KindLookup, Op: "update", Table: t.label, ID: id, Err: ErrNotFound}
	}
	t.list[i] = rec
	t.gen++
	t.mu.Unlock()
	t.db.requestSave()
	return t.copy("update", rec)
}

// prepare validates r and returns a private copy in canonical form.
func (t *Table) prepare(op string, r schema.Record) (schema.Record, error) {
	if r == nil {
		return nil, &Error{Kind: KindValidation, Op: op, Table: t.label, Err: schema.ErrInvalidRecord}
	}
	if id, ok := r[schema.IDField].(string); ok && id == "" {
		return nil, &Error{Kind: KindValidation, Op: op, Table: t.label, Field: schema.IDField, Err: ErrEmptyID}
	}
	rec, err := t.schema.Coerce(r)
	if err != nil {
		e := &Error{Kind: KindValidation, Op: op, Table: t.label, ID: r.ID(), Err: err}
		if fe, ok := err.(*schema.FieldError); ok {
			e.Field = fe.Field
		}
		return nil, e
	}
	return rec, nil
}

func (t *Table) copy(op string, r schema.Record) (schema.Record, error) {
	m, err := clone.Map(r)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Table: t.label, ID: r.ID(), Err: err}
	}
	return m, nil
}

// Get returns a copy of the record with the given id.
func (t *Table) Get(id string) (schema.Record, error) {
	t.mu.RLock()
	i, ok := t.index[id]
	var rec schema.Record
	if ok {
		rec = t.list[i]
	}
	t.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindLookup, Op: "get", Table: t.label, ID: id, Err: ErrNotFound}
	}
	return t.copy("get", rec)
}

// Has reports whether a record with the given id exists.
func (t *Table) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[id]
	return ok
}

// Delete removes the record with the given id.
func (t *Table) Delete(id string) error {
	t.mu.Lock()
	if err := t.closedErr("delete"); err != nil {
		t.mu.Unlock()
		return err
	}
	i, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return &Error{Kind: KindLookup, Op: "delete", Table: t.label, ID: id, Err: ErrNotFound}
	}
	t.list = slices.Delete(t.list, i, i+1)
	delete(t.index, id)
	for j := i; j < len(t.list); j++ {
		t.index[t.list[j].ID()] = j
	}
	t.gen++
	t.mu.Unlock()
	t.db.requestSave()
	return nil
}

// Increment adds 1 to a number field of a record.
func (t *Table) Increment(id, field string) error {
	return t.add1("increment", id, field, 1)
}

// Decrement subtracts 1 from a number field of a record.
func (t *Table) Decrement(id, field string) error {
	return t.add1("decrement", id, field, -1)
}

func (t *Table) add1(op, id, field string, delta float64) error {
	typ, ok := t.schema.Type(field)
	if !ok {
		return &Error{Kind: KindLookup, Op: op, Table: t.label, ID: id, Field: field, Err: ErrUnknownField}
	}
	if typ != schema.Number {
		return &Error{Kind: KindUsage, Op: op, Table: t.label, ID: id, Field: field, Err: ErrNotNumber}
	}
	t.mu.Lock()
	if err := t.closedErr(op); err != nil {
		t.mu.Unlock()
		return err
	}
	i, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return &Error{Kind: KindLookup, Op: op, Table: t.label, ID: id, Err: ErrNotFound}
	}
	old := t.list[i]
	n := old[field].(float64) + delta
	if math.IsInf(n, 0) {
		t.mu.Unlock()
		return &Error{Kind: KindValidation, Op: op, Table: t.label, ID: id, Field: field, Err: schema.ErrInvalidRecord}
	}
	rec := make(schema.Record, len(old))
	for k, v := range old {
		rec[k] = v
	}
	rec[field] = n
	t.list[i] = rec
	t.gen++
	t.mu.Unlock()
	t.db.requestSave()
	return nil
}

// Clear removes every record.
func (t *Table) Clear() error {
	t.mu.Lock()
	if err := t.closedErr("clear"); err != nil {
		t.mu.Unlock()
		return err
	}
	t.list = nil
	t.index = map[string]int{}
	t.gen++
	t.mu.Unlock()
	t.db.requestSave()
	return nil
}

// closedErr fails mutations once the database is closed. Checked under t.mu
// so a mutation either lands before the final flush reads the table or is
// rejected.
func (t *Table) closedErr(op string) error {
	if t.db.closed.Load() {
		return &Error{Kind: KindUsage, Op: op, Table: t.label, Err: ErrClosed}
	}
	return nil
}

// Size returns the number of records.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.list)
}

// All returns an iterator over copies of all records in table order.
func (t *Table) All() iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		for _, r := range t.snapshot() {
			if !yield(t.copy("all", r)) {
				return
			}
		}
	}
}

// Query starts a query over the current records. Later mutations are not
// visible to it.
func (t *Table) Query() *query.Query {
	return query.New(t.schema, t.snapshot())
}

// Dirty reports whether the table has mutations not yet saved.
func (t *Table) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gen != t.saved
}

func (t *Table) snapshot() []schema.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.list)
}

// state returns the records and the generation they belong to.
func (t *Table) state() ([]schema.Record, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.list), t.gen, t.gen != t.saved
}

// markSaved records that the state at gen is on disk.
func (t *Table) markSaved(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen > t.saved {
		t.saved = gen
	}
}

// forceDirty makes the next save rewrite the table, e.g. after a migration.
func (t *Table) forceDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
}

// encode renders the table file for the given records.
func (t *Table) encode(list []schema.Record, s storage.Serializer, c storage.Compression) ([]byte, error) {
	fields := t.schema.Fields()
	cols := make([]storage.Column, len(fields))
	for i, f := range fields {
		cols[i] = storage.Column{Name: f.Name, Type: string(f.Type)}
	}
	records := make([]map[string]any, len(list))
	for i, r := range list {
		records[i] = r
	}
	return storage.Encode(
		storage.Header{Serializer: s, Compression: c, Columns: cols},
		storage.Payload{Fingerprint: t.schema.Fingerprint(), Records: records},
	)
}

// load reads the stored records, migrating them when the stored schema
// differs. It reports whether the loaded state should be written back.
func (t *Table) load(migrate MigrateFunc) (bool, error) {
	t.index = map[string]int{}
	if !t.files.Exists() {
		t.logger.Info("new table", "path", t.files.Current)
		return false, nil
	}
	l, err := t.files.Load(t.logger)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &Error{Kind: KindIO, Op: "load", Table: t.label, Err: err}
	}
	rewrite := l.Path != t.files.Current
	kind := KindValidation
	convert := func(m map[string]any) (schema.Record, error) {
		return t.schema.Coerce(m)
	}
	if l.Payload.Fingerprint != t.schema.Fingerprint() {
		if migrate == nil {
			return false, &Error{Kind: KindMigration, Op: "load", Table: t.label, Err: ErrMigrationRequired}
		}
		t.logger.Info("migrating table", "table", t.label, "records", len(l.Payload.Records))
		kind = KindMigration
		rewrite = true
		old := storedSchema(l.Header.Columns)
		convert = func(m map[string]any) (schema.Record, error) {
			in := m
			if old != nil {
				if r, err := old.Coerce(m); err == nil {
					in = r
				}
			}
			out, err := migrate(in)
			if err != nil {
				return nil, fmt.Errorf("migration function failed: %w", err)
			}
			return t.schema.Coerce(out)
		}
	}

	list := make([]schema.Record, 0, len(l.Payload.Records))
	for i, m := range l.Payload.Records {
		r, err := convert(m)
		if err != nil {
			return false, &Error{Kind: kind, Op: "load", Table: t.label, Err: fmt.Errorf("record %d: %w", i, err)}
		}
		id := r.ID()
		if id == "" {
			return false, &Error{Kind: kind, Op: "load", Table: t.label, Err: fmt.Errorf("record %d: %w", i, ErrEmptyID)}
		}
		if _, ok := t.index[id]; ok {
			return false, &Error{Kind: kind, Op: "load", Table: t.label, ID: id, Err: ErrDuplicateID}
		}
		t.index[id] = len(list)
		list = append(list, r)
	}
	t.list = list
	t.logger.Debug("loaded table", "table", t.label, "records", len(list), "path", l.Path)
	return rewrite, nil
}

// storedSchema rebuilds the schema a file was written with from its header,
// or returns nil if the header does not describe a valid schema.
func storedSchema(cols []storage.Column) *schema.Schema {
	m := make(map[string]string, len(cols))
	for _, c := range cols {
		if c.Name != schema.IDField {
			m[c.Name] = c.Type
		}
	}
	s, err := schema.Parse(m)
	if err != nil {
		return nil
	}
	return s
}
