// Package catalog resolves relation names to their ordered column lists.
//
// Catalogs feed column qualification and star expansion during statement
// analysis and the copy-versus-computed check of the graph assembler.
package catalog

import (
	"sort"
	"strings"
)

// DefaultSchema is the schema assumed for unqualified relation names.
const DefaultSchema = "public"

// Catalog resolves a relation to its ordered column names.
type Catalog interface {
	Columns(relation string) ([]string, bool)
}

// Empty is a catalog that knows no relations.
type Empty struct{}

// Columns implements Catalog.
func (Empty) Columns(string) ([]string, bool) { return nil, false }

// Static is an in-memory catalog.
type Static struct {
	defaultSchema string
	tables        map[string][]string // schema.table (lowercase) -> columns
}

// NewStatic creates an empty static catalog. Unqualified names are stored
// and looked up under defaultSchema; an empty value selects DefaultSchema.
func NewStatic(defaultSchema string) *Static {
	if defaultSchema == "" {
		defaultSchema = DefaultSchema
	}
	return &Static{
		defaultSchema: strings.ToLower(defaultSchema),
		tables:        make(map[string][]string),
	}
}

func (s *Static) key(relation string) string {
	rel := strings.ToLower(relation)
	if !strings.Contains(rel, ".") {
		return s.defaultSchema + "." + rel
	}
	return rel
}

// Add registers a relation with its columns, replacing any earlier entry.
func (s *Static) Add(relation string, columns ...string) {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = strings.ToLower(c)
	}
	s.tables[s.key(relation)] = cols
}

// Columns implements Catalog. A three-part name falls back to its last two
// parts, so database-qualified references match schema-qualified entries.
func (s *Static) Columns(relation string) ([]string, bool) {
	k := s.key(relation)
	if cols, ok := s.tables[k]; ok {
		return cols, true
	}
	if parts := strings.Split(k, "."); len(parts) > 2 {
		if cols, ok := s.tables[strings.Join(parts[len(parts)-2:], ".")]; ok {
			return cols, true
		}
	}
	return nil, false
}

// Relations returns the registered relation names, sorted.
func (s *Static) Relations() []string {
	out := make([]string, 0, len(s.tables))
	for k := range s.tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of relations.
func (s *Static) Len() int {
	return len(s.tables)
}

// Merge copies every relation of other into s.
func (s *Static) Merge(other *Static) {
	for k, cols := range other.tables {
		s.tables[k] = cols
	}
}

// Chain consults catalogs in order and returns the first match.
type Chain []Catalog

// Columns implements Catalog.
func (c Chain) Columns(relation string) ([]string, bool) {
	for _, cat := range c {
		if cat == nil {
			continue
		}
		if cols, ok := cat.Columns(relation); ok {
			return cols, true
		}
	}
	return nil, false
}

// TempColumns is the view of temp table schemas an Overlay needs.
type TempColumns interface {
	Columns(name string, asOf int) ([]string, bool)
}

// Overlay layers the temp tables visible as of one node over a base
// catalog. Temp tables shadow permanent relations of the same name.
type Overlay struct {
	Base  Catalog
	Temps TempColumns
	AsOf  int
}

// Columns implements Catalog.
func (o Overlay) Columns(relation string) ([]string, bool) {
	if o.Temps != nil {
		name := relation
		if strings.HasPrefix(strings.ToLower(name), "pg_temp.") {
			name = name[len("pg_temp."):]
		}
		if cols, ok := o.Temps.Columns(name, o.AsOf); ok {
			return cols, true
		}
	}
	if o.Base == nil {
		return nil, false
	}
	return o.Base.Columns(relation)
}
