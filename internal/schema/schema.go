// Package schema mirrors the analytical store's table and column catalog.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/askbi/internal/query"
)

// ErrSchemaUnavailable is returned when the catalog cannot be read.
var ErrSchemaUnavailable = errors.New("schema unavailable")

// Dialect selects the catalog query.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectDuckDB Dialect = "duckdb"
)

const sqliteCatalog = `SELECT m.name AS table_name, p.name AS column_name, p.type AS data_type
FROM sqlite_master m JOIN pragma_table_info(m.name) p
WHERE m.type IN ('table', 'view') AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`

const duckdbCatalog = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`

// CatalogQuery returns the catalog statement for d.
func CatalogQuery(d Dialect) string {
	if d == DialectDuckDB {
		return duckdbCatalog
	}
	return sqliteCatalog
}

// Column is one declared column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Snapshot maps table names to their ordered columns.
type Snapshot map[string][]Column

// Tables returns table names in sorted order.
func (s Snapshot) Tables() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Text flattens the snapshot into "table(col type, col type)" lines.
func (s Snapshot) Text() string {
	var b strings.Builder
	for i, table := range s.Tables() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(table)
		b.WriteByte('(')
		for j, c := range s[table] {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name)
			if c.Type != "" {
				b.WriteByte(' ')
				b.WriteString(c.Type)
			}
		}
		b.WriteByte(')')
	}
	return b.String()
}

// MarkerFunc reports the store's current modification marker.
type MarkerFunc func() (string, error)

// FileMarker uses a file's modification time and size as the marker.
func FileMarker(path string) MarkerFunc {
	return func() (string, error) {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()), nil
	}
}

// Cache serves the last snapshot and re-reads the catalog only when the
// marker changes.
type Cache struct {
	source  query.Source
	marker  MarkerFunc
	catalog string

	mu         sync.RWMutex
	refreshMu  sync.Mutex
	snapshot   Snapshot
	text       string
	lastMarker string
	loaded     bool
}

// NewCache creates a cache over source using the dialect's catalog query.
func NewCache(source query.Source, marker MarkerFunc, dialect Dialect) *Cache {
	return &Cache{source: source, marker: marker, catalog: CatalogQuery(dialect)}
}

// Refresh re-reads the catalog if the marker changed since the last
// successful read. On failure the previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	marker, err := c.marker()
	if err != nil {
		return fmt.Errorf("%w: read marker: %v", ErrSchemaUnavailable, err)
	}

	c.mu.RLock()
	unchanged := c.loaded && marker == c.lastMarker
	c.mu.RUnlock()
	if unchanged {
		return nil
	}

	_, rows, err := c.source.Query(ctx, c.catalog)
	if err != nil {
		return fmt.Errorf("%w: query catalog: %v", ErrSchemaUnavailable, err)
	}

	snap := make(Snapshot)
	for _, r := range rows {
		if len(r) < 3 {
			continue
		}
		table := asString(r[0])
		snap[table] = append(snap[table], Column{Name: asString(r[1]), Type: asString(r[2])})
	}

	c.mu.Lock()
	c.snapshot = snap
	c.text = snap.Text()
	c.lastMarker = marker
	c.loaded = true
	c.mu.Unlock()

	slog.Info("Schema refreshed", "tables", len(snap))
	return nil
}

// Text returns the flattened schema of the current snapshot.
func (c *Cache) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.text
}

// Snapshot returns a copy of the current snapshot.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Snapshot, len(c.snapshot))
	for t, cols := range c.snapshot {
		out[t] = append([]Column(nil), cols...)
	}
	return out
}

// TableCount returns the number of tables in the snapshot.
func (c *Cache) TableCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot)
}

// Loaded reports whether any snapshot has been read.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
