// Handles database and table configuration.

package database

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davalapar/database/internal/storage"
	"github.com/davalapar/database/schema"
)

// Serializer names the payload encoding of table files.
type Serializer = storage.Serializer

// Compression names the compression of table files.
type Compression = storage.Compression

const (
	SerializerJSON = storage.JSON
	SerializerBSON = storage.BSON

	CompressionNone   = storage.None
	CompressionGzip   = storage.Gzip
	CompressionBrotli = storage.Brotli
	CompressionZstd   = storage.Zstd
	CompressionSnappy = storage.Snappy
)

// IDScheme selects how Table.ID generates identifiers.
type IDScheme string

const (
	// IDRandom generates 32 lowercase hex characters from 16 random bytes.
	IDRandom IDScheme = "random"
	// IDSortable generates time-ordered identifiers.
	IDSortable IDScheme = "sortable"
)

// MigrateFunc converts a record stored under a previous schema to the
// current one. The input is typed according to the stored schema when it can
// be; otherwise it holds the values as decoded. The result is checked against
// the current schema.
type MigrateFunc func(old map[string]any) (map[string]any, error)

// TableConfig declares one table.
type TableConfig struct {
	// Label names the table and its files.
	Label string
	// Schema of the table's records.
	Schema *schema.Schema
	// Migrate is required when the stored schema differs from Schema.
	Migrate MigrateFunc
	// IDScheme defaults to IDRandom.
	IDScheme IDScheme
}

var labelRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate checks that the table configuration is valid.
func (c *TableConfig) Validate() error {
	if !labelRE.MatchString(c.Label) {
		return fmt.Errorf("invalid label %q: use letters, digits, '_', '.' or '-'", c.Label)
	}
	if c.Schema == nil {
		return fmt.Errorf("table %q: schema is required", c.Label)
	}
	switch c.IDScheme {
	case "", IDRandom, IDSortable:
	default:
		return fmt.Errorf("table %q: unknown id scheme %q", c.Label, c.IDScheme)
	}
	return nil
}

// Options configures a Database.
type Options struct {
	// Dir holds the table files. Created if missing.
	Dir string
	// Extension of table files, without the dot.
	Extension string
	// Tables to open.
	Tables []TableConfig

	// SaveInterval is the period of the save scheduler.
	SaveInterval time.Duration
	// SaveMaxSkips is how many consecutive ticks a burst of mutations may
	// postpone a save.
	SaveMaxSkips int

	Serializer  Serializer
	Compression Compression

	// FlushOnSignal flushes dirty tables on SIGINT or SIGTERM, then delivers
	// the signal again.
	FlushOnSignal bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Registerer receives the save metrics when set.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the default options, without tables.
func DefaultOptions() Options {
	return Options{
		Dir:          "./tables",
		Extension:    "db",
		SaveInterval: time.Second,
		SaveMaxSkips: 59,
		Serializer:   SerializerJSON,
		Compression:  CompressionNone,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Dir == "" {
		o.Dir = d.Dir
	}
	if o.Extension == "" {
		o.Extension = d.Extension
	}
	if o.SaveInterval == 0 {
		o.SaveInterval = d.SaveInterval
	}
	if o.Serializer == "" {
		o.Serializer = d.Serializer
	}
	if o.Compression == "" {
		o.Compression = d.Compression
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Validate checks that the options are valid. Zero values that have a
// default are accepted.
func (o *Options) Validate() error {
	if o.SaveInterval < 0 {
		return errors.New("save interval must be positive")
	}
	if o.SaveMaxSkips < 0 {
		return errors.New("save max skips must be non-negative")
	}
	if o.Serializer != "" && !o.Serializer.Valid() {
		return fmt.Errorf("unknown serializer %q", o.Serializer)
	}
	if o.Compression != "" && !o.Compression.Valid() {
		return fmt.Errorf("unknown compression %q", o.Compression)
	}
	if o.Extension != "" && !labelRE.MatchString(o.Extension) {
		return fmt.Errorf("invalid extension %q", o.Extension)
	}
	seen := make(map[string]bool, len(o.Tables))
	for i := range o.Tables {
		c := &o.Tables[i]
		if err := c.Validate(); err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
		if seen[c.Label] {
			return fmt.Errorf("tables[%d]: duplicate label %q", i, c.Label)
		}
		seen[c.Label] = true
	}
	return nil
}
