// SPDX-License-Identifier: MIT
// Package tabular reads row-oriented parameter and covariate files with named columns.
//
// Purpose:
//   - Parse CSV into records addressable by (case-insensitive) column name.
//   - Separate optional fields (empty or unparseable → 0.0, no error) from
//     mandatory ones (RequireFloat reports the line and column).
//   - Recognize stratum sentinels ("all", "ess") that apply a row to every stratum.
//
// Notes:
//   - Lines starting with '#' are comments. Leading/trailing blanks are trimmed.

package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Stratum sentinels: a row whose stratum column holds one of these applies to every stratum.
const (
	SentinelAll = "all"
	SentinelESS = "ess"
)

var (
	// ErrMissingColumn is returned when a mandatory column is absent from the header.
	ErrMissingColumn = errors.New("tabular: missing column")

	// ErrParse is returned when a mandatory numeric field cannot be parsed.
	ErrParse = errors.New("tabular: parse error")

	// ErrEmpty is returned for a file with no header row.
	ErrEmpty = errors.New("tabular: empty file")
)

// Table is an in-memory CSV file.
type Table struct {
	Path    string
	header  []string
	index   map[string]int
	records []Record
}

// Record is one data row of a Table.
type Record struct {
	table  *Table
	line   int
	fields []string
}

// IsSentinel reports whether stratum designates every stratum.
func IsSentinel(stratum string) bool {
	s := strings.ToLower(strings.TrimSpace(stratum))

	return s == SentinelAll || s == SentinelESS
}

// Open reads the CSV file at path.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tabular: open %s: %w", path, err)
	}
	defer f.Close()

	t, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Path = path

	return t, nil
}

// ReadCSV parses r as a CSV file whose first non-comment row is the header.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("tabular: header: %w", err)
	}

	t := &Table{index: make(map[string]int, len(header))}
	for i, h := range header {
		name := normalize(h)
		t.header = append(t.header, name)
		t.index[name] = i
	}
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tabular: %w", err)
		}
		line, _ := cr.FieldPos(0)
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		t.records = append(t.records, Record{table: t, line: line, fields: fields})
	}

	return t, nil
}

func normalize(col string) string { return strings.ToLower(strings.TrimSpace(col)) }

// Header returns the normalized column names.
func (t *Table) Header() []string { return append([]string(nil), t.header...) }

// Has reports whether the table has the named column.
func (t *Table) Has(col string) bool {
	_, ok := t.index[normalize(col)]

	return ok
}

// Require returns ErrMissingColumn naming the first absent column.
func (t *Table) Require(cols ...string) error {
	for _, c := range cols {
		if !t.Has(c) {
			return fmt.Errorf("%q: %w", c, ErrMissingColumn)
		}
	}

	return nil
}

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.records) }

// Records returns the data rows in file order.
func (t *Table) Records() []Record { return t.records }

// Line returns the 1-based line number of the record in its file.
func (r Record) Line() int { return r.line }

func (r Record) raw(col string) (string, bool) {
	i, ok := r.table.index[normalize(col)]
	if !ok || i >= len(r.fields) {
		return "", false
	}

	return r.fields[i], true
}

// String returns the trimmed field, or "" when the column is absent.
func (r Record) String(col string) string {
	s, _ := r.raw(col)

	return s
}

// Float parses an optional numeric field. Absent, empty or unparseable
// values yield 0.0 without an error.
func (r Record) Float(col string) float64 {
	s, ok := r.raw(col)
	if !ok || s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return v
}

// RequireFloat parses a mandatory numeric field.
// Errors: ErrMissingColumn, ErrParse (with the line number).
func (r Record) RequireFloat(col string) (float64, error) {
	s, ok := r.raw(col)
	if !ok {
		return 0, fmt.Errorf("line %d: %q: %w", r.line, col, ErrMissingColumn)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: %q=%q: %w", r.line, col, s, ErrParse)
	}

	return v, nil
}

// Strata returns the distinct non-sentinel values of col, in first-seen order.
func (t *Table) Strata(col string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range t.records {
		s := rec.String(col)
		if s == "" || IsSentinel(s) || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}

	return out
}
