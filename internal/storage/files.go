// Handles table file naming, rotation writes and fallback loading.

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// FileSet holds the three paths a table rotates through.
type FileSet struct {
	Current string
	Temp    string
	Old     string
}

// Paths returns the FileSet for a table label in dir. ext is the file
// extension without the leading dot.
func Paths(dir, label, ext string) FileSet {
	name := func(kind string) string {
		return filepath.Join(dir, label+"-"+kind+"."+ext)
	}
	return FileSet{Current: name("current"), Temp: name("temp"), Old: name("old")}
}

// Write stores data with the rotation protocol:
//
//  1. write and sync temp
//  2. rename current to old, if current exists
//  3. write and sync current
//
// Until step 3 completes, the previous content remains readable from current
// or old, and the new content from temp.
func (f FileSet) Write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Current), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Current, err)
	}
	if err := writeSync(f.Temp, data); err != nil {
		return err
	}
	if _, err := os.Stat(f.Current); err == nil {
		if err := os.Rename(f.Current, f.Old); err != nil {
			return fmt.Errorf("failed to rotate %s: %w", f.Current, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", f.Current, err)
	}
	if err := writeSync(f.Current, data); err != nil {
		return err
	}
	return syncDir(filepath.Dir(f.Current))
}

// writeSync replaces path with data and syncs it to disk.
func writeSync(path string, data []byte) error {
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := fd.Write(data); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", path, err), fd.Close())
	}
	if err := fd.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync %s: %w", path, err), fd.Close())
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// syncDir makes the renames in dir durable. Not every platform supports
// syncing a directory; failures there are ignored.
func syncDir(dir string) error {
	fd, err := os.Open(dir)
	if err != nil {
		return nil
	}
	_ = fd.Sync()
	return fd.Close()
}

// Loaded is a decoded table file.
type Loaded struct {
	Path    string
	Header  Header
	Payload Payload
}

// Load reads the newest complete file of the set.
//
// current is used when it decodes. Otherwise temp is used if it decodes, as
// it holds the newest complete write after a crash during or after the
// rotation. Otherwise old is used. Each fallback is logged. If no file
// decodes and current is missing, Load returns an error matching
// fs.ErrNotExist, as a torn temp alone means nothing was ever committed.
// An unreadable current with no usable fallback returns its error.
func (f FileSet) Load(logger *slog.Logger) (*Loaded, error) {
	l, errCurrent := load(f.Current)
	if errCurrent == nil {
		return l, nil
	}
	reason := "current file missing"
	if !errors.Is(errCurrent, fs.ErrNotExist) {
		reason = "current file unreadable"
		logger.Warn("ignoring unreadable current file", "path", f.Current, "err", errCurrent)
	}
	l, errTemp := load(f.Temp)
	if errTemp == nil {
		logger.Warn(reason+", recovered from temp", "path", f.Temp)
		return l, nil
	}
	if !errors.Is(errTemp, fs.ErrNotExist) {
		logger.Warn("ignoring unreadable temp file", "path", f.Temp, "err", errTemp)
	}
	l, errOld := load(f.Old)
	if errOld == nil {
		logger.Warn(reason+", recovered from old", "path", f.Old)
		return l, nil
	}
	if !errors.Is(errCurrent, fs.ErrNotExist) {
		return nil, errCurrent
	}
	return nil, errOld
}

func load(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	h, p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &Loaded{Path: path, Header: h, Payload: p}, nil
}

// Exists reports whether any file of the set is present.
func (f FileSet) Exists() bool {
	for _, p := range []string{f.Current, f.Temp, f.Old} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
