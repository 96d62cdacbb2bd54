// Package rows models candidate source rows and their delimited-text files.
//
// A row is one playable source: a stable URL key plus arbitrary passthrough
// columns (display name, group, country, logo, ...) that every stage carries
// unchanged. Stages never mutate existing columns; they append their own
// diagnostic columns and split the table into an "ok" and an "invalid" file
// with identical schemas, so failures stay auditable.
package rows

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/streamscan/streamscan/internal/safeurl"
)

// URLColumn is the header name of the source-URL column. It is the one
// column every stage must be able to find.
const URLColumn = "url"

// Row is a single candidate source. The backing map is never shared between
// rows, so With can copy-on-write without locking.
type Row struct {
	values map[string]string
}

// Get returns the value of column col ("" when absent).
func (r Row) Get(col string) string {
	return r.values[col]
}

// URL returns the row's source URL.
func (r Row) URL() string {
	return r.values[URLColumn]
}

// With returns a copy of the row with col set to val. The receiver is not
// modified; existing columns keep their values unless col collides.
func (r Row) With(col, val string) Row {
	nv := make(map[string]string, len(r.values)+1)
	for k, v := range r.values {
		nv[k] = v
	}
	nv[col] = val
	return Row{values: nv}
}

// New builds a row from column values. Intended for tests and for callers
// that synthesize rows outside a CSV file.
func New(values map[string]string) Row {
	nv := make(map[string]string, len(values))
	for k, v := range values {
		nv[k] = v
	}
	return Row{values: nv}
}

// Table is an ordered set of rows plus the header they were read with.
type Table struct {
	Header []string
	Rows   []Row
}

// ReadFile loads a comma-delimited row file. The header must contain the
// URL column; rows whose URL is not an http(s) URL are dropped up front
// (same guard the probing stages would otherwise each repeat).
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open rows %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read rows %s: %w", path, err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}
	header := records[0]
	urlIdx := -1
	for i, h := range header {
		if h == URLColumn {
			urlIdx = i
		}
	}
	if urlIdx < 0 {
		return nil, fmt.Errorf("rows %s: missing %q column", path, URLColumn)
	}

	t := &Table{Header: append([]string(nil), header...)}
	for _, rec := range records[1:] {
		if len(rec) == 0 {
			continue
		}
		values := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				values[h] = rec[i]
			}
		}
		u := safeurl.Normalize(values[URLColumn])
		if !safeurl.IsHTTPOrHTTPS(u) {
			continue
		}
		values[URLColumn] = u
		t.Rows = append(t.Rows, Row{values: values})
	}
	return t, nil
}

// AppendColumns returns header plus any of cols not already present,
// preserving order. The result is the output schema of a stage.
func AppendColumns(header []string, cols ...string) []string {
	out := append([]string(nil), header...)
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	for _, c := range cols {
		if !have[c] {
			out = append(out, c)
			have[c] = true
		}
	}
	return out
}

// WriteFile writes rows under header to path, creating parent directories.
// Columns a row does not carry are emitted empty; columns a row carries but
// the header omits are ignored (rows stay forward-compatible).
func WriteFile(path string, header []string, rs []Row) error {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return fmt.Errorf("write rows: mkdir: %w", err)
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("write rows %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write rows %s: header: %w", path, err)
	}
	rec := make([]string, len(header))
	for _, r := range rs {
		for i, h := range header {
			rec[i] = r.values[h]
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return fmt.Errorf("write rows %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write rows %s: flush: %w", path, err)
	}
	return f.Close()
}

// WriteSplit writes the ok and invalid halves of a stage's output with a
// shared schema (input header + the stage's new columns).
func WriteSplit(okPath, invalidPath string, header []string, ok, invalid []Row) error {
	if err := WriteFile(okPath, header, ok); err != nil {
		return err
	}
	return WriteFile(invalidPath, header, invalid)
}

// MergeFiles concatenates the CSV files in dir (sorted by name) into out,
// writing the first file's header once. Empty or missing inputs are skipped.
func MergeFiles(dir, out string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("merge rows: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if err := os.MkdirAll(filepath.Dir(filepath.Clean(out)), 0o755); err != nil {
		return 0, fmt.Errorf("merge rows: mkdir: %w", err)
	}
	f, err := os.Create(filepath.Clean(out))
	if err != nil {
		return 0, fmt.Errorf("merge rows: create %s: %w", out, err)
	}
	w := csv.NewWriter(f)

	total := 0
	headerWritten := false
	for _, name := range names {
		in, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			f.Close()
			return total, fmt.Errorf("merge rows: open %s: %w", name, err)
		}
		r := csv.NewReader(in)
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		in.Close()
		if err != nil {
			f.Close()
			return total, fmt.Errorf("merge rows: read %s: %w", name, err)
		}
		if len(records) == 0 {
			continue
		}
		if !headerWritten {
			if err := w.Write(records[0]); err != nil {
				f.Close()
				return total, fmt.Errorf("merge rows: %w", err)
			}
			headerWritten = true
		}
		for _, rec := range records[1:] {
			if len(rec) == 0 {
				continue
			}
			if err := w.Write(rec); err != nil {
				f.Close()
				return total, fmt.Errorf("merge rows: %w", err)
			}
			total++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return total, err
	}
	return total, f.Close()
}
