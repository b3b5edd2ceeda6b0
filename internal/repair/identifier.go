// Package repair diagnoses failed queries and re-synthesizes them within a
// bounded budget.
package repair

import (
	"regexp"
	"strings"
)

// Kind is the kind of a missing identifier.
type Kind string

const (
	KindColumn Kind = "column"
	KindTable  Kind = "table"
)

// Identifier is a name the store reported as unknown.
type Identifier struct {
	Kind Kind   `json:"type"`
	Name string `json:"name"`
}

// DefaultSuggestionLimit caps SuggestIdentifiers.
const DefaultSuggestionLimit = 5

// Error-text matchers, tried in order. Best effort: stores word these
// messages differently and unmatched errors simply yield no identifier.
var identifierPatterns = []struct {
	kind    Kind
	pattern *regexp.Regexp
}{
	{KindColumn, regexp.MustCompile(`(?i)column named "([^"]+)"`)},
	{KindColumn, regexp.MustCompile(`(?i)Referenced column "([^"]+)"`)},
	{KindTable, regexp.MustCompile(`(?i)Referenced table "([^"]+)"`)},
	{KindColumn, regexp.MustCompile(`(?i)no such column:\s*([\w.]+)`)},
	{KindTable, regexp.MustCompile(`(?i)no such table:\s*([\w.]+)`)},
}

// ExtractMissingIdentifier finds a missing column or table name in a store
// error message.
func ExtractMissingIdentifier(errMsg string) (Identifier, bool) {
	for _, p := range identifierPatterns {
		if m := p.pattern.FindStringSubmatch(errMsg); m != nil {
			name := m[1]
			if i := strings.LastIndexByte(name, '.'); i >= 0 && p.kind == KindColumn {
				name = name[i+1:]
			}
			return Identifier{Kind: p.kind, Name: name}, true
		}
	}
	return Identifier{}, false
}

// SuggestIdentifiers returns up to limit schema names of the given kind
// containing partial, case-insensitively, in schema order.
func SuggestIdentifiers(partial string, kind Kind, schemaText string, limit int) []string {
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}
	needle := strings.ToLower(partial)
	seen := make(map[string]bool)
	var out []string
	add := func(name string) bool {
		if name == "" || seen[name] || !strings.Contains(strings.ToLower(name), needle) {
			return false
		}
		seen[name] = true
		out = append(out, name)
		return len(out) >= limit
	}

	for _, line := range strings.Split(schemaText, "\n") {
		table, cols, _ := strings.Cut(line, "(")
		if kind == KindTable {
			if add(strings.TrimSpace(table)) {
				return out
			}
			continue
		}
		if i := strings.LastIndexByte(cols, ')'); i >= 0 {
			cols = cols[:i]
		}
		for _, col := range splitColumns(cols) {
			fields := strings.Fields(col)
			if len(fields) == 0 {
				continue
			}
			if add(fields[0]) {
				return out
			}
		}
	}
	return out
}

// splitColumns splits a "col type, col type" list on top-level commas, so
// types such as DECIMAL(18,3) stay whole.
func splitColumns(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
