// Package profile derives lightweight context from result sets and picks
// intents and visualization shapes. All heuristics are deterministic.
package profile

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ashureev/askbi/internal/query"
)

// contextSampleRows bounds how many rows ExtractContext inspects.
const contextSampleRows = 200

// topEntityCount is the number of dominant entity values kept.
const topEntityCount = 5

var (
	yearKeys   = []string{"שנה", "year", "Year"}
	monthKeys  = []string{"חודש", "month", "Month"}
	entityKeys = []string{"לקוח", "customer", "Customer"}

	datePattern = regexp.MustCompile(`(?i)date|תאריך|month|חודש|day|יום`)
	yearPattern = regexp.MustCompile(`(?i)year|שנה`)
)

// TopEntities lists the most frequent values of an entity-like column.
type TopEntities struct {
	Column string   `json:"column"`
	Values []string `json:"values"`
}

// Context grounds follow-up turns in the shape of the previous result.
type Context struct {
	Year        []any        `json:"year,omitempty"`
	Month       []any        `json:"month,omitempty"`
	TopEntities *TopEntities `json:"top_entities,omitempty"`
}

// IsEmpty reports whether no context was derived.
func (c Context) IsEmpty() bool {
	return len(c.Year) == 0 && len(c.Month) == 0 && c.TopEntities == nil
}

// Profile classifies result columns by type and by name.
type Profile struct {
	Numerics []string `json:"numerics"`
	Dates    []string `json:"dates"`
	Years    []string `json:"years"`
	RowCount int      `json:"row_count"`
}

// ExtractContext pulls temporal keys and dominant entities out of rows.
func ExtractContext(rows []query.Row) Context {
	var ctx Context
	if len(rows) == 0 {
		return ctx
	}
	sample := rows
	if len(sample) > contextSampleRows {
		sample = sample[:contextSampleRows]
	}

	if key, ok := firstKey(rows[0], yearKeys); ok {
		ctx.Year = distinct(sample, key)
	}
	if key, ok := firstKey(rows[0], monthKeys); ok {
		ctx.Month = distinct(sample, key)
	}
	if key, ok := firstKey(rows[0], entityKeys); ok {
		ctx.TopEntities = &TopEntities{Column: key, Values: topValues(sample, key, topEntityCount)}
	}
	return ctx
}

// ProfileRows classifies the columns of rows. Column order follows
// query.ColumnsFromRows.
func ProfileRows(rows []query.Row) Profile {
	return ProfileColumns(query.ColumnsFromRows(rows), rows)
}

// ProfileColumns classifies cols using the first row for type detection.
func ProfileColumns(cols []string, rows []query.Row) Profile {
	p := Profile{Numerics: []string{}, Dates: []string{}, Years: []string{}, RowCount: len(rows)}
	if len(rows) == 0 {
		return p
	}
	first := rows[0]
	for _, c := range cols {
		if isNumber(first[c]) {
			p.Numerics = append(p.Numerics, c)
		}
		if datePattern.MatchString(c) {
			p.Dates = append(p.Dates, c)
		}
		if yearPattern.MatchString(c) {
			p.Years = append(p.Years, c)
		}
	}
	return p
}

func firstKey(row query.Row, keys []string) (string, bool) {
	for _, k := range keys {
		if _, ok := row[k]; ok {
			return k, true
		}
	}
	return "", false
}

func distinct(rows []query.Row, key string) []any {
	seen := make(map[string]bool)
	var out []any
	for _, r := range rows {
		v := r[key]
		s := fmt.Sprint(v)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, v)
	}
	return out
}

func topValues(rows []query.Row, key string, n int) []string {
	freq := make(map[string]int)
	var order []string
	for _, r := range rows {
		s := fmt.Sprint(r[key])
		if _, ok := freq[s]; !ok {
			order = append(order, s)
		}
		freq[s]++
	}
	sort.SliceStable(order, func(i, j int) bool { return freq[order[i]] > freq[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

var (
	bulletLine = regexp.MustCompile(`^\s*([-•*]|\d+[.)])\s+`)
	pipeLine   = regexp.MustCompile(`^\s*\|`)
)

// maxListLines is the list length above which StripLongLists drops lists.
const maxListLines = 20

// StripLongLists removes bullet or table lines from a reply when there are
// more than maxListLines of them; the rows are already in the result table.
func StripLongLists(text string) string {
	lines := strings.Split(text, "\n")
	bullets, pipes := 0, 0
	for _, l := range lines {
		if bulletLine.MatchString(l) {
			bullets++
		}
		if pipeLine.MatchString(l) {
			pipes++
		}
	}
	if bullets <= maxListLines && pipes <= maxListLines {
		return text
	}
	var kept []string
	for _, l := range lines {
		if bulletLine.MatchString(l) || pipeLine.MatchString(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
