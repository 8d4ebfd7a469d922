package database

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davalapar/database/schema"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var usersSchema = schema.MustNew(map[string]schema.FieldType{
	"name":   schema.String,
	"age":    schema.Number,
	"active": schema.Boolean,
})

var placesSchema = schema.MustNew(map[string]schema.FieldType{
	"label":       schema.String,
	"tags":        schema.Strings,
	"coordinates": schema.Coordinates,
})

// openTest opens a database in dir with a long save interval so only Flush
// and Close write, unless opts says otherwise.
func openTest(t *testing.T, dir string, opts ...func(*Options)) *Database {
	t.Helper()
	o := Options{
		Dir:          dir,
		SaveInterval: time.Hour,
		Logger:       discard,
		Tables: []TableConfig{
			{Label: "users", Schema: usersSchema},
			{Label: "places", Schema: placesSchema, IDScheme: IDSortable},
		},
	}
	for _, f := range opts {
		f(&o)
	}
	db, err := Open(o)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func mustTable(t *testing.T, db *Database, label string) *Table {
	t.Helper()
	tbl, err := db.Table(label)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func user(id, name string, age float64) schema.Record {
	return schema.Record{"id": id, "name": name, "age": age, "active": true}
}

func requireKind(t *testing.T, err error, k Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want kind %q", k)
	}
	if got := KindOf(err); got != k {
		t.Fatalf("KindOf(%v) = %q, want %q", err, got, k)
	}
	if !errors.Is(err, &Error{Kind: k}) {
		t.Fatalf("errors.Is(%v, kind %q) = false", err, k)
	}
}

func TestTableCRUD(t *testing.T) {
	db := openTest(t, t.TempDir())
	users := mustTable(t, db, "users")

	t.Run("add", func(t *testing.T) {
		in := user("u1", "Alice", 30)
		got, err := users.Add(in)
		if err != nil {
			t.Fatalf("Add() error: %v", err)
		}
		if !reflect.DeepEqual(got, in) {
			t.Errorf("Add() = %v, want %v", got, in)
		}
		in["name"] = "changed"
		got["name"] = "changed"
		stored, err := users.Get("u1")
		if err != nil {
			t.Fatal(err)
		}
		if stored["name"] != "Alice" {
			t.Error("Add() kept a reference to the caller's record")
		}
		if !users.Has("u1") || users.Size() != 1 || !users.Dirty() {
			t.Errorf("Has=%v Size=%d Dirty=%v", users.Has("u1"), users.Size(), users.Dirty())
		}
	})

	t.Run("add accepts ints", func(t *testing.T) {
		got, err := users.Add(schema.Record{"id": "u2", "name": "Bob", "age": 7, "active": false})
		if err != nil {
			t.Fatalf("Add() error: %v", err)
		}
		if got["age"] != 7.0 {
			t.Errorf("age = %#v, want 7.0", got["age"])
		}
	})

	t.Run("add errors", func(t *testing.T) {
		tests := []struct {
			name string
			rec  schema.Record
			kind Kind
			want error
		}{
			{"duplicate", user("u1", "Again", 1), KindValidation, ErrDuplicateID},
			{"empty id", user("", "X", 1), KindValidation, ErrEmptyID},
			{"missing field", schema.Record{"id": "u9", "name": "X"}, KindValidation, schema.ErrInvalidRecord},
			{"extra field", schema.Record{"id": "u9", "name": "X", "age": 1.0, "active": true, "x": 1.0}, KindValidation, schema.ErrInvalidRecord},
			{"wrong type", schema.Record{"id": "u9", "name": 1.0, "age": 1.0, "active": true}, KindValidation, schema.ErrInvalidRecord},
			{"nil", nil, KindValidation, schema.ErrInvalidRecord},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				n := users.Size()
				_, err := users.Add(tt.rec)
				requireKind(t, err, tt.kind)
				if !errors.Is(err, tt.want) {
					t.Errorf("Add() error = %v, want %v", err, tt.want)
				}
				if users.Size() != n {
					t.Error("failed Add() mutated the table")
				}
			})
		}
	})

	t.Run("update keeps position", func(t *testing.T) {
		if _, err := users.Update(user("u1", "Alicia", 31)); err != nil {
			t.Fatalf("Update() error: %v", err)
		}
		var ids []string
		for r, err := range users.All() {
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, r.ID())
		}
		if !slices.Equal(ids, []string{"u1", "u2"}) {
			t.Errorf("order = %v", ids)
		}
		r, _ := users.Get("u1")
		if r["name"] != "Alicia" {
			t.Errorf("name = %v", r["name"])
		}
		_, err := users.Update(user("nope", "X", 1))
		requireKind(t, err, KindLookup)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Update() error = %v", err)
		}
	})

	t.Run("increment decrement", func(t *testing.T) {
		if err := users.Increment("u1", "age"); err != nil {
			t.Fatal(err)
		}
		if err := users.Increment("u1", "age"); err != nil {
			t.Fatal(err)
		}
		if err := users.Decrement("u1", "age"); err != nil {
			t.Fatal(err)
		}
		r, _ := users.Get("u1")
		if r["age"] != 32.0 {
			t.Errorf("age = %v, want 32", r["age"])
		}
		requireKind(t, users.Increment("u1", "name"), KindUsage)
		requireKind(t, users.Increment("u1", "height"), KindLookup)
		requireKind(t, users.Decrement("nope", "age"), KindLookup)
	})

	t.Run("query snapshot", func(t *testing.T) {
		q := users.Query().Gte("age", 0)
		if err := users.Increment("u2", "age"); err != nil {
			t.Fatal(err)
		}
		recs, err := q.Results()
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range recs {
			if r.ID() == "u2" && r["age"] != 7.0 {
				t.Errorf("query saw a later mutation: %v", r)
			}
		}
	})

	t.Run("delete", func(t *testing.T) {
		if _, err := users.Add(user("u3", "Carol", 3)); err != nil {
			t.Fatal(err)
		}
		if err := users.Delete("u1"); err != nil {
			t.Fatal(err)
		}
		requireKind(t, users.Delete("u1"), KindLookup)
		_, err := users.Get("u1")
		requireKind(t, err, KindLookup)
		// Positions after the removed record must still resolve.
		if _, err := users.Update(user("u3", "Caroline", 3)); err != nil {
			t.Fatal(err)
		}
		r, _ := users.Get("u3")
		if r["name"] != "Caroline" {
			t.Errorf("name = %v", r["name"])
		}
	})

	t.Run("clear", func(t *testing.T) {
		if err := users.Clear(); err != nil {
			t.Fatal(err)
		}
		if users.Size() != 0 || users.Has("u3") {
			t.Error("Clear() left records")
		}
		if _, err := users.Add(user("u3", "Again", 1)); err != nil {
			t.Errorf("Add() after Clear() error: %v", err)
		}
	})
}

func TestTableID(t *testing.T) {
	db := openTest(t, t.TempDir())
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)
	users := mustTable(t, db, "users")
	places := mustTable(t, db, "places")
	seen := map[string]bool{}
	for range 200 {
		id, err := users.ID()
		if err != nil {
			t.Fatal(err)
		}
		if !hex32.MatchString(id) {
			t.Fatalf("random ID() = %q", id)
		}
		sid, err := places.ID()
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] || seen[sid] {
			t.Fatalf("duplicate id %q / %q", id, sid)
		}
		seen[id], seen[sid] = true, true
	}
}

func TestUnknownTable(t *testing.T) {
	db := openTest(t, t.TempDir())
	_, err := db.Table("nope")
	requireKind(t, err, KindLookup)
	if !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Table() error = %v", err)
	}
	if got := len(db.Tables()); got != 2 {
		t.Errorf("len(Tables()) = %d", got)
	}
}

func TestExampleQueries(t *testing.T) {
	db := openTest(t, t.TempDir())
	users := mustTable(t, db, "users")
	for i := range 5 {
		if _, err := users.Add(user(string(rune('a'+i)), "n", float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := users.Query().Gte("age", 1).Results()
	if err != nil || len(recs) != 4 {
		t.Errorf("gte(age, 1) = %d records, %v", len(recs), err)
	}
	recs, err = users.Query().Ascend("age").Limit(2).Page(2).Results()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0]["age"] != 2.0 || recs[1]["age"] != 3.0 {
		t.Errorf("ascend(age).limit(2).page(2) = %v", recs)
	}

	places := mustTable(t, db, "places")
	near := schema.Record{"label": "near", "tags": []string{}, "coordinates": []float64{14.5550, 121.0250}}
	far := schema.Record{"label": "far", "tags": []string{}, "coordinates": []float64{10.3157, 123.8854}}
	for _, r := range []schema.Record{near, far} {
		id, err := places.ID()
		if err != nil {
			t.Fatal(err)
		}
		r["id"] = id
		if _, err := places.Add(r); err != nil {
			t.Fatal(err)
		}
	}
	recs, err = places.Query().InsideH("coordinates", []float64{14.5546, 121.0246}, 2000).Results()
	if err != nil || len(recs) != 1 || recs[0]["label"] != "near" {
		t.Errorf("inside_h = %v, %v", recs, err)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []Serializer{SerializerJSON, SerializerBSON} {
		for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionBrotli, CompressionZstd, CompressionSnappy} {
			t.Run(string(s)+"/"+string(c), func(t *testing.T) {
				dir := t.TempDir()
				codec := func(o *Options) {
					o.Serializer = s
					o.Compression = c
				}
				db := openTest(t, dir, codec)
				places := mustTable(t, db, "places")
				want := []schema.Record{
					{"id": "p1", "label": "a", "tags": []string{"x", "y"}, "coordinates": []float64{14.5, 121.25}},
					{"id": "p2", "label": "b", "tags": []string{}, "coordinates": []float64{-33.9, 18.4}},
				}
				for _, r := range want {
					if _, err := places.Add(r); err != nil {
						t.Fatal(err)
					}
				}
				if err := db.Close(); err != nil {
					t.Fatalf("Close() error: %v", err)
				}
				if places.Dirty() {
					t.Error("table still dirty after Close()")
				}

				// Reopen with the default codec: the header says how to decode.
				db2 := openTest(t, dir)
				var got []schema.Record
				for r, err := range mustTable(t, db2, "places").All() {
					if err != nil {
						t.Fatal(err)
					}
					got = append(got, r)
				}
				if !reflect.DeepEqual(got, want) {
					t.Errorf("reloaded %v\nwant %v", got, want)
				}
				if mustTable(t, db2, "places").Dirty() {
					t.Error("freshly loaded table is dirty")
				}
			})
		}
	}
}

func TestFlushRotation(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)
	users := mustTable(t, db, "users")
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "users-current.db")); !errors.Is(err, os.ErrNotExist) {
		t.Error("clean table was written")
	}
	if _, err := users.Add(user("u1", "A", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := users.Add(user("u2", "B", 2)); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"users-current.db", "users-temp.db", "users-old.db"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestReopenTornCurrent(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)
	users := mustTable(t, db, "users")
	for _, id := range []string{"u1", "u2"} {
		if _, err := users.Add(user(id, id, 1)); err != nil {
			t.Fatal(err)
		}
		if err := db.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	cur := filepath.Join(dir, "users-current.db")
	data, err := os.ReadFile(cur)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cur, data[:len(data)-10], 0o644); err != nil {
		t.Fatal(err)
	}

	db = openTest(t, dir)
	users = mustTable(t, db, "users")
	if users.Size() != 2 || !users.Has("u2") {
		t.Fatalf("Size() = %d after recovering from temp", users.Size())
	}
	if !users.Dirty() {
		t.Error("recovered table not scheduled for rewrite")
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(cur)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) < len(data) {
		t.Errorf("current not rewritten: %d bytes, want at least %d", len(got), len(data))
	}
}

func TestFlushOnSignal(t *testing.T) {
	t.Run("signal", func(t *testing.T) {
		dir := t.TempDir()
		db := openTest(t, dir)
		users := mustTable(t, db, "users")
		if _, err := users.Add(user("u1", "A", 1)); err != nil {
			t.Fatal(err)
		}
		ch := make(chan os.Signal, 1)
		resent := make(chan os.Signal, 2)
		var released atomic.Int32
		db.flushOn(ch, func(sig os.Signal) { resent <- sig }, func() { released.Add(1) })

		ch <- syscall.SIGTERM
		select {
		case sig := <-resent:
			if sig != syscall.SIGTERM {
				t.Errorf("resent %v", sig)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("signal not resent")
		}
		if _, err := os.Stat(filepath.Join(dir, "users-current.db")); err != nil {
			t.Errorf("table not flushed: %v", err)
		}
		if users.Dirty() {
			t.Error("table still dirty")
		}
		_, err := users.Add(user("u2", "B", 2))
		requireKind(t, err, KindUsage)
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Add() after signal error = %v", err)
		}
		select {
		case sig := <-resent:
			t.Errorf("resent twice: %v", sig)
		case <-time.After(20 * time.Millisecond):
		}
		if n := released.Load(); n != 1 {
			t.Errorf("released %d times", n)
		}
	})

	t.Run("close removes the hook", func(t *testing.T) {
		db := openTest(t, t.TempDir())
		ch := make(chan os.Signal, 1)
		var released, resent atomic.Int32
		db.flushOn(ch, func(os.Signal) { resent.Add(1) }, func() { released.Add(1) })
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return released.Load() == 1 })
		ch <- syscall.SIGINT
		time.Sleep(20 * time.Millisecond)
		if resent.Load() != 0 {
			t.Error("hook still active after Close()")
		}
	})
}

func TestClosedRejectsMutations(t *testing.T) {
	db := openTest(t, t.TempDir())
	users := mustTable(t, db, "users")
	if _, err := users.Add(user("u1", "A", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	for name, f := range map[string]func() error{
		"add": func() error {
			_, err := users.Add(user("u2", "B", 2))
			return err
		},
		"update": func() error {
			_, err := users.Update(user("u1", "C", 3))
			return err
		},
		"delete":    func() error { return users.Delete("u1") },
		"increment": func() error { return users.Increment("u1", "age") },
		"decrement": func() error { return users.Decrement("u1", "age") },
		"clear":     users.Clear,
	} {
		t.Run(name, func(t *testing.T) {
			err := f()
			requireKind(t, err, KindUsage)
			if !errors.Is(err, ErrClosed) {
				t.Errorf("error = %v", err)
			}
		})
	}
	if r, err := users.Get("u1"); err != nil || r["name"] != "A" {
		t.Errorf("Get() after Close() = %v, %v", r, err)
	}
}

func TestMigration(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)
	if _, err := mustTable(t, db, "users").Add(user("u1", "Alice", 30)); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	v2 := schema.MustNew(map[string]schema.FieldType{
		"name":  schema.String,
		"age":   schema.Number,
		"email": schema.String,
	})
	withV2 := func(m MigrateFunc) func(*Options) {
		return func(o *Options) {
			o.Tables = []TableConfig{{Label: "users", Schema: v2, Migrate: m}}
		}
	}

	t.Run("missing migration fails", func(t *testing.T) {
		_, err := Open(Options{Dir: dir, Logger: discard, Tables: []TableConfig{{Label: "users", Schema: v2}}})
		requireKind(t, err, KindMigration)
		if !errors.Is(err, ErrMigrationRequired) {
			t.Errorf("Open() error = %v", err)
		}
	})

	t.Run("invalid migration output fails", func(t *testing.T) {
		_, err := Open(Options{Dir: dir, Logger: discard, Tables: []TableConfig{{
			Label:  "users",
			Schema: v2,
			Migrate: func(old map[string]any) (map[string]any, error) {
				return old, nil
			},
		}}})
		requireKind(t, err, KindMigration)
	})

	t.Run("migration function error fails", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Open(Options{Dir: dir, Logger: discard, Tables: []TableConfig{{
			Label:  "users",
			Schema: v2,
			Migrate: func(map[string]any) (map[string]any, error) {
				return nil, boom
			},
		}}})
		requireKind(t, err, KindMigration)
		if !errors.Is(err, boom) {
			t.Errorf("Open() error = %v", err)
		}
	})

	t.Run("valid migration", func(t *testing.T) {
		migrate := func(old map[string]any) (map[string]any, error) {
			if _, ok := old["active"].(bool); !ok {
				return nil, errors.New("stored record was not typed")
			}
			delete(old, "active")
			old["email"] = old["name"].(string) + "@example.com"
			return old, nil
		}
		db := openTest(t, dir, withV2(migrate))
		users := mustTable(t, db, "users")
		r, err := users.Get("u1")
		if err != nil {
			t.Fatal(err)
		}
		if r["email"] != "Alice@example.com" {
			t.Errorf("email = %v", r["email"])
		}
		if !users.Dirty() {
			t.Error("migrated table must be dirty")
		}
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
		// Re-saved under v2: no migration needed anymore.
		db2 := openTest(t, dir, withV2(nil))
		if got := mustTable(t, db2, "users").Size(); got != 1 {
			t.Errorf("Size() = %d", got)
		}
	})
}

func TestScheduledSave(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir, func(o *Options) {
		o.SaveInterval = 10 * time.Millisecond
		o.SaveMaxSkips = 2
	})
	users := mustTable(t, db, "users")
	if _, err := users.Add(user("u1", "A", 1)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for users.Dirty() {
		if time.Now().After(deadline) {
			t.Fatal("scheduled save did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := os.Stat(filepath.Join(dir, "users-current.db")); err != nil {
		t.Fatal(err)
	}
	for db.sched.State() != stateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler state %q, want idle", db.sched.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduledSaveError(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir, func(o *Options) {
		o.SaveInterval = 10 * time.Millisecond
	})
	users := mustTable(t, db, "users")
	// A directory in place of the temp file makes the write fail.
	if err := os.Mkdir(filepath.Join(dir, "users-temp.db"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := users.Add(user("u1", "A", 1)); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-db.SaveErrors():
		requireKind(t, err, KindIO)
	case <-time.After(5 * time.Second):
		t.Fatal("no save error delivered")
	}
	if !users.Dirty() {
		t.Error("failed save cleared the dirty flag")
	}
	requireKind(t, db.Flush(), KindIO)
}

func TestReportSaveErrorDropsOldest(t *testing.T) {
	db := openTest(t, t.TempDir())
	var last error
	for i := range cap(db.errs) + 5 {
		last = errors.New(string(rune('a' + i)))
		db.reportSaveError(last)
	}
	if len(db.errs) != cap(db.errs) {
		t.Fatalf("len = %d", len(db.errs))
	}
	var got error
	for len(db.errs) > 0 {
		got = <-db.errs
	}
	if got != last {
		t.Errorf("newest error = %v, want %v", got, last)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"negative interval", Options{SaveInterval: -1}},
		{"negative skips", Options{SaveMaxSkips: -1}},
		{"bad serializer", Options{Serializer: "xml"}},
		{"bad compression", Options{Compression: "lz4"}},
		{"bad extension", Options{Extension: "a/b"}},
		{"bad label", Options{Tables: []TableConfig{{Label: "../x", Schema: usersSchema}}}},
		{"nil schema", Options{Tables: []TableConfig{{Label: "x"}}}},
		{"bad id scheme", Options{Tables: []TableConfig{{Label: "x", Schema: usersSchema, IDScheme: "uuid"}}}},
		{"duplicate label", Options{Tables: []TableConfig{{Label: "x", Schema: usersSchema}, {Label: "x", Schema: usersSchema}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.opts.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
			tt.opts.Dir = t.TempDir()
			_, err := Open(tt.opts)
			requireKind(t, err, KindUsage)
		})
	}
	d := DefaultOptions()
	if err := d.Validate(); err != nil {
		t.Errorf("DefaultOptions().Validate() = %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	db := openTest(t, t.TempDir(), func(o *Options) { o.Registerer = reg })
	if _, err := mustTable(t, db, "users").Add(user("u1", "A", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "database_table_saves_total" {
			found = f.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Error("database_table_saves_total not reported as 1")
	}
	// A second database on the same registry conflicts.
	_, err = Open(Options{Dir: t.TempDir(), Logger: discard, Registerer: reg})
	requireKind(t, err, KindUsage)
}
