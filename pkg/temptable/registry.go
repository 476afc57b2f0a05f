// Package temptable tracks temp tables produced and consumed across the
// ordered statements of a procedure.
//
// The registry is an arena: descriptors live in one slice and are addressed
// by index, with a name index listing every version of a table in creation
// order. A descriptor is visible to node N when it was registered before N
// and not invalidated before N.
package temptable

import (
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// Sentinel errors for registry misuse.
var (
	// ErrOutOfOrder is returned when a write arrives for an ordinal earlier
	// than one already applied.
	ErrOutOfOrder = errors.New("temp table registry: write out of node order")
	// ErrNotRegistered is returned when invalidating a name with no live descriptor.
	ErrNotRegistered = errors.New("temp table registry: table not registered")
	// ErrInvalidName is returned for an empty table name.
	ErrInvalidName = errors.New("temp table registry: empty table name")
)

// Column is one column of a temp table with the lineage of its producer.
type Column struct {
	Name string `json:"name" yaml:"name"`
	// Expr is the producer's alias- and CTE-resolved expression. It may
	// still reference other temp tables as of DefinedAt.
	Expr sqltext.Expr `json:"expr" yaml:"expr"`
	// Extra holds upstream references not present in Expr.
	Extra      []core.ColumnRef `json:"extra,omitempty" yaml:"extra,omitempty"`
	Confidence core.Confidence  `json:"confidence" yaml:"confidence"`
	DefinedAt  int              `json:"defined_at" yaml:"defined_at"`
}

// HasLineage reports whether the column carries any lineage.
func (c Column) HasLineage() bool {
	return c.Expr.Text != "" || len(c.Extra) > 0
}

// Descriptor is one version of a temp table.
type Descriptor struct {
	Index         int      `json:"index" yaml:"index"`
	Name          string   `json:"name" yaml:"name"`
	DefinedAt     int      `json:"defined_at" yaml:"defined_at"`
	Columns       []Column `json:"columns" yaml:"columns"`
	Invalidated   bool     `json:"invalidated" yaml:"invalidated"`
	InvalidatedAt int      `json:"invalidated_at,omitempty" yaml:"invalidated_at,omitempty"`
}

// VisibleAt reports whether the descriptor is visible to node asOf.
func (d Descriptor) VisibleAt(asOf int) bool {
	if d.DefinedAt >= asOf {
		return false
	}
	return !d.Invalidated || asOf <= d.InvalidatedAt
}

// Column returns the named column.
func (d Descriptor) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in order.
func (d Descriptor) ColumnNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// Registry is the arena of temp table descriptors for one procedure.
// It is not safe for concurrent writers; writes must arrive in node order.
type Registry struct {
	arena    []Descriptor
	byName   map[string][]int
	last     int
	maxDepth int
}

// NewRegistry creates an empty registry. A non-positive maxDepth selects
// DefaultMaxDepth.
func NewRegistry(maxDepth int) *Registry {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Registry{
		byName:   make(map[string][]int),
		last:     -1,
		maxDepth: maxDepth,
	}
}

func normalize(name string) string {
	return strings.ToLower(name)
}

func (r *Registry) advance(nodeID int) error {
	if nodeID < r.last {
		return fmt.Errorf("%w: node %d after node %d", ErrOutOfOrder, nodeID, r.last)
	}
	r.last = nodeID
	return nil
}

// Register adds a new descriptor for name defined at nodeID and returns its
// arena index. Earlier versions stay in the arena and are shadowed by the
// new one for every later node.
func (r *Registry) Register(nodeID int, name string, columns []Column) (int, error) {
	if name == "" {
		return -1, ErrInvalidName
	}
	if err := r.advance(nodeID); err != nil {
		return -1, err
	}
	cols := make([]Column, len(columns))
	for i, c := range columns {
		if c.DefinedAt == 0 {
			c.DefinedAt = nodeID
		}
		cols[i] = c
	}
	idx := len(r.arena)
	r.arena = append(r.arena, Descriptor{
		Index:     idx,
		Name:      name,
		DefinedAt: nodeID,
		Columns:   cols,
	})
	key := normalize(name)
	r.byName[key] = append(r.byName[key], idx)
	return idx, nil
}

// Lookup returns the most recent descriptor for name registered before
// asOf and not invalidated before it.
func (r *Registry) Lookup(name string, asOf int) (Descriptor, bool) {
	idxs := r.byName[normalize(name)]
	for i := len(idxs) - 1; i >= 0; i-- {
		d := r.arena[idxs[i]]
		if d.VisibleAt(asOf) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Known reports whether any version of name was ever registered.
func (r *Registry) Known(name string) bool {
	return len(r.byName[normalize(name)]) > 0
}

// Invalidate marks every live version of name as dropped at atNode. The
// drop is visible to atNode itself and hides the table from later nodes.
func (r *Registry) Invalidate(name string, atNode int) error {
	if err := r.advance(atNode); err != nil {
		return err
	}
	found := false
	for _, idx := range r.byName[normalize(name)] {
		d := &r.arena[idx]
		if d.Invalidated || d.DefinedAt >= atNode {
			continue
		}
		d.Invalidated = true
		d.InvalidatedAt = atNode
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return nil
}

// Columns returns the column names of the table visible as of asOf.
func (r *Registry) Columns(name string, asOf int) ([]string, bool) {
	d, ok := r.Lookup(name, asOf)
	if !ok {
		return nil, false
	}
	return d.ColumnNames(), true
}

// Descriptors returns a copy of the arena in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.arena))
	for i, d := range r.arena {
		d.Columns = append([]Column(nil), d.Columns...)
		out[i] = d
	}
	return out
}

// Len returns the number of descriptors in the arena.
func (r *Registry) Len() int {
	return len(r.arena)
}

// Append records an INSERT into name at nodeID. When a version is visible,
// the new version keeps every previous column; inserted columns take the
// newest expression, the union of old and new upstream references, and the
// lower confidence. Without a visible version the insert registers a fresh
// table.
func (r *Registry) Append(nodeID int, name string, columns []Column) (int, error) {
	prev, ok := r.Lookup(name, nodeID)
	if !ok {
		return r.Register(nodeID, name, columns)
	}
	merged := make([]Column, 0, len(prev.Columns))
	seen := make(map[string]bool)
	for _, old := range prev.Columns {
		col := old
		if nc, ok := findColumn(columns, old.Name); ok {
			col = nc
			col.DefinedAt = nodeID
			if old.HasLineage() {
				res := r.Resolve(old.Expr, old.DefinedAt)
				col.Extra = core.DedupeRefs(append(append(col.Extra, res.Upstream()...), old.Extra...))
				col.Confidence = col.Confidence.Min(old.Confidence).Min(res.Confidence)
			}
		}
		seen[normalize(old.Name)] = true
		merged = append(merged, col)
	}
	for _, nc := range columns {
		if !seen[normalize(nc.Name)] {
			nc.DefinedAt = nodeID
			merged = append(merged, nc)
		}
	}
	return r.Register(nodeID, name, merged)
}

// Replace records an UPDATE of name at nodeID: the new version keeps the
// previous columns and replaces the updated ones.
func (r *Registry) Replace(nodeID int, name string, updated []Column) (int, error) {
	prev, ok := r.Lookup(name, nodeID)
	if !ok {
		return r.Register(nodeID, name, updated)
	}
	cols := make([]Column, len(prev.Columns))
	for i, old := range prev.Columns {
		cols[i] = old
		if nc, ok := findColumn(updated, old.Name); ok {
			nc.DefinedAt = nodeID
			cols[i] = nc
		}
	}
	return r.Register(nodeID, name, cols)
}

// Truncate records a TRUNCATE of name at nodeID: the new version keeps the
// column names and drops their lineage.
func (r *Registry) Truncate(nodeID int, name string) (int, error) {
	prev, ok := r.Lookup(name, nodeID)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	cols := make([]Column, len(prev.Columns))
	for i, old := range prev.Columns {
		cols[i] = Column{Name: old.Name, DefinedAt: nodeID}
	}
	return r.Register(nodeID, name, cols)
}

func findColumn(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}
