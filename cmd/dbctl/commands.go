package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davalapar/database"
	"github.com/davalapar/database/query"
	"github.com/davalapar/database/schema"
)

type command struct {
	name string
	help string
	run  func(ctx context.Context, env *env, args []string) error
}

// env is what a command runs against.
type env struct {
	db     *database.Database
	opts   database.Options
	stdin  io.Reader
	stdout io.Writer
}

var commands = []command{
	{"stats", "print the size of every table", cmdStats},
	{"import", "add records from a JSON lines file: import -table T [-defaults] file.jsonl", cmdImport},
	{"export", "write all records as JSON lines: export -table T", cmdExport},
	{"query", "query a table: query -table T [-where f:op:v] [-asc f] [-desc f] [-limit N] [-page N]", cmdQuery},
	{"serve", "hold the database open until interrupted: serve [-metrics addr]", cmdServe},
}

// run opens the database, runs the command named by args[0] and closes the
// database, flushing pending changes.
func run(ctx context.Context, opts database.Options, args []string, stdin io.Reader, stdout io.Writer) (err error) {
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if cmd.name == "serve" && opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	db, err := database.Open(opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()
	return cmd.run(ctx, &env{db: db, opts: opts, stdin: stdin, stdout: stdout}, args[1:])
}

func cmdStats(_ context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("stats: unexpected arguments %v", args)
	}
	for _, t := range e.db.Tables() {
		if _, err := fmt.Fprintf(e.stdout, "%s\t%d records\t%s\n", t.Label(), t.Size(), t.Schema().Fingerprint()[:12]); err != nil {
			return err
		}
	}
	return nil
}

func cmdImport(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	label := fs.String("table", "", "Table to import into")
	defaults := fs.Bool("defaults", false, "Fill missing fields with their zero value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("import: expected one file argument; use - for stdin")
	}
	t, err := e.db.Table(*label)
	if err != nil {
		return err
	}
	in := e.stdin
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name) //nolint:gosec // G304: path is a command argument
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		in = f
	}
	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for line := 1; s.Scan(); line++ {
		b := s.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var r schema.Record
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if r.ID() == "" {
			id, err := t.ID()
			if err != nil {
				return err
			}
			r[schema.IDField] = id
		}
		if *defaults {
			r = t.Defaults(r)
		}
		if _, err := t.Add(r); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := s.Err(); err != nil {
		return err
	}
	slog.Info("imported", "table", t.Label(), "records", n)
	return e.db.Flush()
}

func cmdExport(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	label := fs.String("table", "", "Table to export")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("export: unexpected arguments %v", fs.Args())
	}
	t, err := e.db.Table(*label)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.stdout)
	for r, err := range t.All() {
		if err != nil {
			return err
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// listFlag collects repeated flag values.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, " ")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// sortFlag collects -asc and -desc in command line order.
type sortFlag struct {
	keys *[]sortArg
	desc bool
}

type sortArg struct {
	field string
	desc  bool
}

func (s sortFlag) String() string {
	return ""
}

func (s sortFlag) Set(v string) error {
	*s.keys = append(*s.keys, sortArg{field: v, desc: s.desc})
	return nil
}

func cmdQuery(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	label := fs.String("table", "", "Table to query")
	var where, sel listFlag
	var keys []sortArg
	fs.Var(&where, "where", "Filter as field:op:value; ops are gt gte lt lte eq neq includes excludes includes_some includes_all excludes_some excludes_all inside outside. Repeatable")
	fs.Var(sortFlag{keys: &keys}, "asc", "Sort ascending by field; coordinates take field@lat,lon. Repeatable")
	fs.Var(sortFlag{keys: &keys, desc: true}, "desc", "Sort descending by field; coordinates take field@lat,lon. Repeatable")
	fs.Var(&sel, "select", "Only output these fields. Repeatable")
	limit := fs.Int("limit", 0, "Maximum number of records")
	offset := fs.Int("offset", 0, "Records to skip")
	page := fs.Int("page", 0, "Page number, starting at 1; requires -limit")
	count := fs.Bool("count", false, "Only print the number of matches")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("query: unexpected arguments %v", fs.Args())
	}
	t, err := e.db.Table(*label)
	if err != nil {
		return err
	}
	q := t.Query()
	for _, w := range where {
		if err := applyWhere(q, t.Schema(), w); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := applySort(q, k); err != nil {
			return err
		}
	}
	if *limit != 0 {
		q.Limit(*limit)
	}
	if *offset != 0 {
		q.Offset(*offset)
	}
	if *page != 0 {
		q.Page(*page)
	}
	if len(sel) != 0 {
		q.Select(sel...)
	}
	if *count {
		n, err := q.Count()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(e.stdout, n)
		return err
	}
	res, err := q.Results()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.stdout)
	for _, r := range res {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// applyWhere adds the filter described by expr to q. Values are parsed
// according to the field's type.
func applyWhere(q *query.Query, s *schema.Schema, expr string) error {
	parts := strings.SplitN(expr, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid -where %q: expected field:op:value", expr)
	}
	field, op, raw := parts[0], parts[1], parts[2]
	typ, ok := s.Type(field)
	if !ok {
		return fmt.Errorf("invalid -where %q: %w", expr, database.ErrUnknownField)
	}
	switch op {
	case "gt", "gte", "lt", "lte":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid -where %q: %w", expr, err)
		}
		switch op {
		case "gt":
			q.Gt(field, v)
		case "gte":
			q.Gte(field, v)
		case "lt":
			q.Lt(field, v)
		default:
			q.Lte(field, v)
		}
	case "eq", "neq":
		v, err := parseValue(typ, raw)
		if err != nil {
			return fmt.Errorf("invalid -where %q: %w", expr, err)
		}
		if op == "eq" {
			q.Eq(field, v)
		} else {
			q.Neq(field, v)
		}
	case "includes", "excludes":
		elem, _ := typ.Elem()
		v, err := parseValue(elem, raw)
		if err != nil {
			return fmt.Errorf("invalid -where %q: %w", expr, err)
		}
		if op == "includes" {
			q.Includes(field, v)
		} else {
			q.Excludes(field, v)
		}
	case "includes_some", "includes_all", "excludes_some", "excludes_all":
		elem, _ := typ.Elem()
		var vals []any
		for item := range strings.SplitSeq(raw, ",") {
			v, err := parseValue(elem, item)
			if err != nil {
				return fmt.Errorf("invalid -where %q: %w", expr, err)
			}
			vals = append(vals, v)
		}
		switch op {
		case "includes_some":
			q.IncludesSome(field, vals...)
		case "includes_all":
			q.IncludesAll(field, vals...)
		case "excludes_some":
			q.ExcludesSome(field, vals...)
		default:
			q.ExcludesAll(field, vals...)
		}
	case "inside", "outside":
		nums, err := parseNumbers(raw)
		if err != nil || len(nums) != 3 {
			return fmt.Errorf("invalid -where %q: expected lat,lon,meters", expr)
		}
		if op == "inside" {
			q.InsideH(field, nums[:2], nums[2])
		} else {
			q.OutsideH(field, nums[:2], nums[2])
		}
	default:
		return fmt.Errorf("invalid -where %q: unknown operator %q", expr, op)
	}
	return q.Err()
}

func applySort(q *query.Query, k sortArg) error {
	field, origin, ok := strings.Cut(k.field, "@")
	if !ok {
		if k.desc {
			q.Descend(field)
		} else {
			q.Ascend(field)
		}
		return q.Err()
	}
	nums, err := parseNumbers(origin)
	if err != nil || len(nums) != 2 {
		return fmt.Errorf("invalid sort %q: expected field@lat,lon", k.field)
	}
	if k.desc {
		q.DescendH(field, nums)
	} else {
		q.AscendH(field, nums)
	}
	return q.Err()
}

// parseValue parses raw as a scalar of type t. Other types are left as
// strings for the query to reject.
func parseValue(t schema.FieldType, raw string) (any, error) {
	switch t {
	case schema.Boolean:
		return strconv.ParseBool(raw)
	case schema.Number:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func parseNumbers(raw string) ([]float64, error) {
	var out []float64
	for item := range strings.SplitSeq(raw, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(item), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func cmdServe(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsAddr := fs.String("metrics", "", "Address to serve Prometheus metrics on, e.g. localhost:9090")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("serve: unexpected arguments %v", fs.Args())
	}
	serverErr := make(chan error, 1)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		if g, ok := e.opts.Registerer.(prometheus.Gatherer); ok {
			mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
		}
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			BaseContext:       func(_ net.Listener) context.Context { return ctx },
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("Serving metrics", "addr", *metricsAddr)
			serverErr <- srv.ListenAndServe()
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	slog.Info("Database open", "dir", e.opts.Dir, "tables", len(e.db.Tables()))
	for {
		select {
		case err := <-e.db.SaveErrors():
			slog.Error("Save failed", "err", err)
		case err := <-serverErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
		case <-ctx.Done():
			slog.Info("Shutting down")
			return nil
		}
	}
}
