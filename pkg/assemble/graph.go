// Package assemble turns segmented procedure nodes into a column-level
// lineage graph. Each output column goes through alias resolution, CTE
// expansion and backward temp table resolution in that order; the temp
// table registry is written in node order as statements create, fill,
// update, truncate and drop temp tables.
package assemble

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/segment"
	"github.com/leapstack-labs/proclineage/pkg/temptable"
)

// EdgeKind distinguishes edges from physical origins and from temp table
// columns.
type EdgeKind string

const (
	// EdgeOrigin runs from a physical (or external) column.
	EdgeOrigin EdgeKind = "origin"
	// EdgeTemp runs from a temp table column written by an earlier node.
	EdgeTemp EdgeKind = "temp"
)

// Edge connects an upstream column to a node's output column.
type Edge struct {
	Kind EdgeKind       `json:"kind" yaml:"kind"`
	From core.ColumnRef `json:"from" yaml:"from"`
	// FromNode is the node that wrote From, or core.NoNode for a
	// relation outside the procedure.
	FromNode       int            `json:"from_node" yaml:"from_node"`
	To             core.ColumnRef `json:"to" yaml:"to"`
	ToNode         int            `json:"to_node" yaml:"to_node"`
	Transformation string         `json:"transformation" yaml:"transformation"`
}

// FromID is the graph vertex key of the upstream column.
func (e Edge) FromID() string {
	return VertexID(e.FromNode, e.From)
}

// ToID is the graph vertex key of the downstream column.
func (e Edge) ToID() string {
	return VertexID(e.ToNode, e.To)
}

// VertexID keys a column in the graph: node-written columns carry the
// node ordinal, external columns do not.
func VertexID(node int, ref core.ColumnRef) string {
	r := core.ColumnRef{Relation: ref.Relation, Column: ref.Column}
	if node == core.NoNode {
		return r.String()
	}
	return fmt.Sprintf("%d:%s", node, r.String())
}

// NodeLineage is the lineage of one operation node.
type NodeLineage struct {
	ID          int    `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind" yaml:"kind"`
	Target      string `json:"target,omitempty" yaml:"target,omitempty"`
	SQL         string `json:"sql,omitempty" yaml:"sql,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	// Sources are the relations the statement reads as written.
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	// Origins are the relations behind Sources once temp tables are
	// expanded to what filled them.
	Origins     []string         `json:"origins,omitempty" yaml:"origins,omitempty"`
	Columns     []core.Entry     `json:"columns,omitempty" yaml:"columns,omitempty"`
	Diagnostics core.Diagnostics `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
}

// Column returns the lineage entry of a named output column.
func (n NodeLineage) Column(name string) (core.Entry, bool) {
	for _, e := range n.Columns {
		if strings.EqualFold(e.Column, name) {
			return e, true
		}
	}
	return core.Entry{}, false
}

// Graph is the lineage of one procedure.
type Graph struct {
	Procedure  string                 `json:"procedure" yaml:"procedure"`
	Params     []segment.Param        `json:"params,omitempty" yaml:"params,omitempty"`
	Nodes      []NodeLineage          `json:"nodes" yaml:"nodes"`
	Edges      []Edge                 `json:"edges" yaml:"edges"`
	TempTables []temptable.Descriptor `json:"temp_tables,omitempty" yaml:"temp_tables,omitempty"`
	// Diagnostics holds findings not tied to one node, including the
	// single fatal diagnostic of an empty graph.
	Diagnostics core.Diagnostics `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
}

// Empty returns a graph with no nodes and one diagnostic.
func Empty(procedure string, d core.Diagnostic) *Graph {
	return &Graph{
		Procedure:   procedure,
		Nodes:       []NodeLineage{},
		Edges:       []Edge{},
		Diagnostics: core.Diagnostics{d},
	}
}

// Fatal reports whether the graph was emptied by a fatal condition.
func (g *Graph) Fatal() bool {
	for _, d := range g.Diagnostics {
		if d.IsFatal() {
			return true
		}
	}
	return false
}

// Node returns the node with the given ordinal.
func (g *Graph) Node(id int) (NodeLineage, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeLineage{}, false
}

// Lookup returns the entry for target.column from the last node that
// wrote it, e.g. Lookup("out.total").
func (g *Graph) Lookup(qualified string) (NodeLineage, core.Entry, bool) {
	target, column := "", qualified
	if i := strings.LastIndexByte(qualified, '.'); i >= 0 {
		target, column = qualified[:i], qualified[i+1:]
	}
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		n := g.Nodes[i]
		if !strings.EqualFold(n.Target, target) {
			continue
		}
		if e, ok := n.Column(column); ok {
			return n, e, true
		}
	}
	return NodeLineage{}, core.Entry{}, false
}

// AllDiagnostics returns graph-level diagnostics followed by every node's.
func (g *Graph) AllDiagnostics() core.Diagnostics {
	out := append(core.Diagnostics(nil), g.Diagnostics...)
	for _, n := range g.Nodes {
		out = append(out, n.Diagnostics...)
	}
	return out
}
