// Package artifact writes the durable, path-addressed output tree under
// artifacts/<scope>/<date>/ that every other component's batch run leaves
// behind: normalised events, the section graph, twin replay results, radar
// findings, optimizer plans, apply reports, the audit trail mirror, and
// policy/lock/learning side-outputs.
//
// The retrieved example corpus carries no pure-Go parquet writer, so the
// tabular artifacts the original layout names with a .parquet extension are
// written here as newline-delimited JSON under the same base filename
// instead (documented in DESIGN.md) — every record still round-trips
// through encoding/json exactly like the JSON-object artifacts do.
package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/errs"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/fsutil"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/security"
)

// Store writes and reads artifacts rooted at a single base directory,
// namespaced by scope and date.
type Store struct {
	fs      fsutil.FileSystem
	baseDir string
}

// New returns a Store rooted at baseDir (typically "artifacts").
func New(fs fsutil.FileSystem, baseDir string) *Store {
	return &Store{fs: fs, baseDir: baseDir}
}

// Dir returns the artifacts/<scope>/<date>/ directory for a run partition,
// creating it if necessary.
func (s *Store) Dir(scope, date string) (string, error) {
	dir := filepath.Join(s.baseDir, scope, date)
	if err := security.ValidatePathWithinDirectory(dir, s.baseDir); err != nil {
		return "", fmt.Errorf("invalid artifact partition %s/%s: %w", scope, date, err)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return dir, nil
}

// path resolves one named artifact file within a (scope, date) partition,
// rejecting any name that would escape the partition directory.
func (s *Store) path(scope, date, name string) (string, error) {
	dir, err := s.Dir(scope, date)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, name)
	if err := security.ValidatePathWithinDirectory(p, dir); err != nil {
		return "", fmt.Errorf("invalid artifact name %q: %w", name, err)
	}
	return p, nil
}

// WriteJSON marshals v as indented JSON and writes it to name within the
// (scope, date) partition, via write-to-temp-then-atomic-rename.
func (s *Store) WriteJSON(scope, date, name string, v any) error {
	p, err := s.path(scope, date, name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return s.writeAtomic(p, data)
}

// ReadJSON reads and unmarshals the named artifact into v.
func (s *Store) ReadJSON(scope, date, name string, v any) error {
	p, err := s.path(scope, date, name)
	if err != nil {
		return err
	}
	data, err := s.fs.ReadFile(p)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// WriteTable writes rows as newline-delimited JSON, one record per line,
// standing in for the original layout's parquet tables.
func (s *Store) WriteTable(scope, date, name string, rows any) error {
	p, err := s.path(scope, date, name)
	if err != nil {
		return err
	}

	sliceVal, ok := asSlice(rows)
	if !ok {
		return fmt.Errorf("WriteTable requires a slice, got %T", rows)
	}

	buf := &bufWriter{}
	w := bufio.NewWriter(buf)
	for i := 0; i < sliceVal.Len(); i++ {
		line, err := json.Marshal(sliceVal.Index(i).Interface())
		if err != nil {
			return fmt.Errorf("failed to marshal row %d of %s: %w", i, name, err)
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	return s.writeAtomic(p, buf.data)
}

// ReadTable reads a newline-delimited JSON artifact written by WriteTable
// back into a slice of T, one element per line.
func ReadTable[T any](s *Store, scope, date, name string) ([]T, error) {
	p, err := s.path(scope, date, name)
	if err != nil {
		return nil, err
	}
	data, err := s.fs.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	var rows []T
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse row of %s: %w", name, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", name, err)
	}
	return rows, nil
}

func (s *Store) writeAtomic(p string, data []byte) error {
	tmp := p + ".tmp"
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if werr := s.fs.WriteFile(tmp, data, 0o644); werr != nil {
			err = fmt.Errorf("%w: failed to write temp artifact: %v", errs.ErrPersistence, werr)
			continue
		}
		if rerr := s.fs.Rename(tmp, p); rerr != nil {
			err = fmt.Errorf("%w: failed to atomically rename artifact: %v", errs.ErrPersistence, rerr)
			continue
		}
		return nil
	}
	return err
}

// Exists reports whether a named artifact exists in the partition.
func (s *Store) Exists(scope, date, name string) bool {
	p, err := s.path(scope, date, name)
	if err != nil {
		return false
	}
	return s.fs.Exists(p)
}

// bufWriter is a minimal io.Writer over a growable byte slice, used so
// WriteTable can build its ndjson payload before the atomic rename.
type bufWriter struct {
	data []byte
}

func (b *bufWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func asSlice(v any) (reflect.Value, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return reflect.Value{}, false
	}
	return rv, true
}
