// Implements the database: table registry, saves and shutdown.

package database

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/davalapar/database/internal/storage"
)

// Database owns a set of tables and persists them.
type Database struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics

	tables map[string]*Table
	order  []*Table

	sched     *scheduler
	saveMu    sync.Mutex // Serializes writes of table files.
	errs      chan error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stopSig   func()
}

// Open loads every configured table and starts the save scheduler.
//
// A table whose stored schema differs from its configured schema is passed
// through its MigrateFunc; a missing function or a record that does not
// satisfy the schema after migration fails Open.
func Open(opts Options) (*Database, error) {
	if err := opts.Validate(); err != nil {
		return nil, &Error{Kind: KindUsage, Op: "open", Err: err}
	}
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &Error{Kind: KindIO, Op: "open", Err: fmt.Errorf("failed to create directory %s: %w", opts.Dir, err)}
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, &Error{Kind: KindUsage, Op: "open", Err: fmt.Errorf("failed to register metrics: %w", err)}
	}
	db := &Database{
		opts:    opts,
		logger:  opts.Logger,
		metrics: m,
		tables:  make(map[string]*Table, len(opts.Tables)),
		errs:    make(chan error, 16),
	}
	var rewrite []*Table
	for _, c := range opts.Tables {
		scheme := c.IDScheme
		if scheme == "" {
			scheme = IDRandom
		}
		t := &Table{
			label:    c.Label,
			schema:   c.Schema,
			idScheme: scheme,
			files:    storage.Paths(opts.Dir, c.Label, opts.Extension),
			db:       db,
			logger:   opts.Logger.With("table", c.Label),
		}
		w, err := t.load(c.Migrate)
		if err != nil {
			return nil, err
		}
		if w {
			t.forceDirty()
			rewrite = append(rewrite, t)
		}
		db.tables[c.Label] = t
		db.order = append(db.order, t)
	}
	db.sched = newScheduler(opts.SaveInterval, opts.SaveMaxSkips, db.saveDirty, db.reportSaveError, opts.Logger, m)
	go db.sched.run()
	if len(rewrite) != 0 {
		db.requestSave()
	}
	if opts.FlushOnSignal {
		db.flushOnSignal()
	}
	return db, nil
}

// Table returns the table with the given label.
func (db *Database) Table(label string) (*Table, error) {
	t, ok := db.tables[label]
	if !ok {
		return nil, &Error{Kind: KindLookup, Op: "table", Table: label, Err: ErrUnknownTable}
	}
	return t, nil
}

// Tables returns all tables in configuration order.
func (db *Database) Tables() []*Table {
	return slices.Clone(db.order)
}

// SaveErrors delivers failures of scheduled saves. The channel is buffered;
// when it is full the oldest error is dropped. Flush and Close return their
// errors directly instead.
func (db *Database) SaveErrors() <-chan error {
	return db.errs
}

// Flush writes every dirty table now, bypassing the scheduler.
func (db *Database) Flush() error {
	return db.saveDirty()
}

// Close stops the scheduler and flushes dirty tables. Mutations after Close
// fail with ErrClosed; reads keep working.
func (db *Database) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		if db.stopSig != nil {
			db.stopSig()
		}
		db.sched.Stop()
		db.closeErr = db.saveDirty()
	})
	return db.closeErr
}

func (db *Database) requestSave() {
	if db.closed.Load() {
		return
	}
	db.sched.request()
}

// saveDirty writes each dirty table with the rotation protocol. Failures of
// individual tables do not stop the others and are joined.
func (db *Database) saveDirty() error {
	db.saveMu.Lock()
	defer db.saveMu.Unlock()
	start := time.Now()
	var errs []error
	n := 0
	for _, t := range db.order {
		list, gen, dirty := t.state()
		if !dirty {
			continue
		}
		n++
		data, err := t.encode(list, db.opts.Serializer, db.opts.Compression)
		if err == nil {
			err = t.files.Write(data)
		}
		if err != nil {
			db.metrics.failures.WithLabelValues(t.label).Inc()
			errs = append(errs, &Error{Kind: KindIO, Op: "save", Table: t.label, Err: err})
			continue
		}
		t.markSaved(gen)
		db.metrics.saves.WithLabelValues(t.label).Inc()
		db.metrics.bytes.WithLabelValues(t.label).Add(float64(len(data)))
		db.logger.Debug("saved table", "table", t.label, "records", len(list), "bytes", len(data))
	}
	if n != 0 {
		dur := time.Since(start)
		db.metrics.duration.Observe(dur.Seconds())
		db.logger.Info("saved", "tables", n, "dur", dur.Round(time.Millisecond))
	}
	return errors.Join(errs...)
}

func (db *Database) reportSaveError(err error) {
	for {
		select {
		case db.errs <- err:
			return
		default:
		}
		select {
		case <-db.errs:
		default:
		}
	}
}

// flushOnSignal closes the database on SIGINT or SIGTERM, then sends the
// signal to the process again so its usual effect applies.
func (db *Database) flushOnSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	db.flushOn(ch, func(sig os.Signal) {
		if p, err := os.FindProcess(os.Getpid()); err == nil {
			_ = p.Signal(sig)
		}
	}, func() {
		signal.Stop(ch)
	})
}

// flushOn closes the database when a signal arrives on ch, then calls
// resend with it. release runs once the hook is done with ch, before resend.
// Close removes the hook.
func (db *Database) flushOn(ch <-chan os.Signal, resend func(os.Signal), release func()) {
	done := make(chan struct{})
	var once sync.Once
	db.stopSig = func() {
		once.Do(func() { close(done) })
	}
	go func() {
		select {
		case sig := <-ch:
			release()
			db.logger.Info("flushing on signal", "signal", sig.String())
			if err := db.Close(); err != nil {
				db.logger.Error("flush on signal failed", "err", err)
			}
			resend(sig)
		case <-done:
			release()
		}
	}()
}
