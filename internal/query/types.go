package query

import (
	"sort"
	"time"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Result is a normalized, serialization-safe result set.
type Result struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`

	Elapsed time.Duration `json:"-"`
}

// Matrix returns rows as value arrays ordered by Columns.
func (r *Result) Matrix() [][]any {
	out := make([][]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		vals := make([]any, len(r.Columns))
		for i, c := range r.Columns {
			vals[i] = row[c]
		}
		out = append(out, vals)
	}
	return out
}

// Head returns at most n rows.
func (r *Result) Head(n int) []Row {
	if r == nil {
		return nil
	}
	if n >= len(r.Rows) {
		return r.Rows
	}
	return r.Rows[:n]
}

// ColumnsFromRows infers a column list from row keys when the driver did not
// report one. Keys of the first row come first, sorted; keys seen only in
// later rows are appended in order of discovery.
func ColumnsFromRows(rows []Row) []string {
	if len(rows) == 0 {
		return []string{}
	}
	seen := make(map[string]bool)
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
		seen[k] = true
	}
	sort.Strings(cols)
	for _, row := range rows[1:] {
		var extra []string
		for k := range row {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		cols = append(cols, extra...)
	}
	return cols
}
