// Command dbctl inspects and edits the tables of a database directory.
//
// The tables are declared in a YAML file passed with -config. Mutating
// commands flush before exiting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/davalapar/database"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dbctl: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "dbctl.yaml", "YAML file declaring the tables")
	dataDir := flag.String("data-dir", "", "Directory holding the table files; overrides the config")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	compression := flag.String("compression", "", "Compression for written files (none, gzip, brotli, zstd, snappy); overrides the config")
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "usage: dbctl [flags] <command> [args]\n\ncommands:\n")
		for _, c := range commands {
			fmt.Fprintf(out, "  %-8s %s\n", c.name, c.help)
		}
		fmt.Fprintf(out, "\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Println(versionString())
		return nil
	}
	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger, err := initLogger(*logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := cfg.options()
	if err != nil {
		return err
	}
	if *dataDir != "" {
		opts.Dir = *dataDir
	}
	if *compression != "" {
		opts.Compression = database.Compression(*compression)
		if !opts.Compression.Valid() {
			return fmt.Errorf("unknown compression %q", *compression)
		}
	}
	opts.Logger = logger
	return run(ctx, opts, flag.Args(), os.Stdin, os.Stdout)
}

// initLogger returns a logger on stderr, colored when stderr is a terminal.
func initLogger(level string) (*slog.Logger, error) {
	ll := &slog.LevelVar{}
	if err := ll.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid -log-level: %w", err)
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// Table file paths are long and all live in the same directory.
			if a.Key == "path" {
				return slog.String(a.Key, filepath.Base(a.Value.String()))
			}
			return a
		},
	})), nil
}

// versionString describes the binary from its embedded build information.
func versionString() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dbctl unknown"
	}
	version := info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	out := "dbctl " + version + " " + info.GoVersion
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision":
			out += " " + s.Value
		case s.Key == "vcs.modified" && s.Value == "true":
			out += "+dirty"
		}
	}
	return out
}
