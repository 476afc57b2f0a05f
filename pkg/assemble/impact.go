package assemble

import (
	"sort"
	"strings"

	"github.com/leapstack-labs/proclineage/internal/dag"
	"github.com/leapstack-labs/proclineage/pkg/core"
)

// Impact is the neighbourhood of one column in a procedure's lineage.
// Column keys are graph vertex IDs: "relation.column" for columns the
// procedure only reads and "N:relation.column" for columns node N writes.
type Impact struct {
	Column string `json:"column" yaml:"column"`
	// Parents and Children are the direct neighbours.
	Parents  []string `json:"parents" yaml:"parents"`
	Children []string `json:"children" yaml:"children"`
	// Upstream and Downstream are transitive, ordered so that every column
	// comes before the columns derived from it.
	Upstream   []string `json:"upstream" yaml:"upstream"`
	Downstream []string `json:"downstream" yaml:"downstream"`
	// Origins are the upstream columns nothing in the procedure feeds.
	Origins []string `json:"origins" yaml:"origins"`
	// Finals are the downstream columns nothing in the procedure reads.
	Finals []string `json:"finals" yaml:"finals"`
}

// ColumnGraph builds the column-level graph of the edges. It fails when an
// edge is a self-loop.
func ColumnGraph(edges []Edge) (*dag.Graph, error) {
	g := dag.NewGraph()
	for _, e := range edges {
		g.AddVertex(e.FromID(), e.From)
		g.AddVertex(e.ToID(), e.To)
	}
	for _, e := range edges {
		if err := g.AddEdge(e.FromID(), e.ToID()); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Impact returns the lineage neighbourhood of a column. The column is
// written "target.column", resolved like Lookup to the last node writing
// it, or names a column the procedure reads, e.g. "orders.amt".
func (g *Graph) Impact(qualified string) (Impact, bool) {
	cg, err := ColumnGraph(g.Edges)
	if err != nil {
		return Impact{}, false
	}

	id, ok := g.vertexFor(cg, qualified)
	if !ok {
		return Impact{}, false
	}
	imp := Impact{
		Column:     id,
		Parents:    sorted(cg.Parents(id)),
		Children:   sorted(cg.Children(id)),
		Upstream:   cg.Upstream(id),
		Downstream: cg.Downstream(id),
	}

	order, err := cg.TopologicalSort()
	if err == nil {
		rank := make(map[string]int, len(order))
		for i, v := range order {
			rank[v.ID] = i
		}
		byRank := func(ids []string) {
			sort.SliceStable(ids, func(i, j int) bool { return rank[ids[i]] < rank[ids[j]] })
		}
		byRank(imp.Upstream)
		byRank(imp.Downstream)
	}

	imp.Origins = intersect(imp.Upstream, cg.Roots())
	imp.Finals = intersect(imp.Downstream, cg.Leaves())
	return imp, true
}

// vertexFor maps a qualified column name to its vertex ID.
func (g *Graph) vertexFor(cg *dag.Graph, qualified string) (string, bool) {
	if n, e, ok := g.Lookup(qualified); ok {
		id := VertexID(n.ID, core.ColumnRef{Relation: n.Target, Column: e.Column})
		if _, ok := cg.Vertex(id); !ok {
			// Written but fed by nothing, e.g. a constant.
			cg.AddVertex(id, nil)
		}
		return id, true
	}
	want := strings.ToLower(qualified)
	for _, id := range cg.Roots() {
		if strings.ToLower(id) == want {
			return id, true
		}
	}
	return "", false
}

func sorted(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return out
}

// intersect keeps the members of ids that appear in set, in ids order.
func intersect(ids, set []string) []string {
	in := make(map[string]bool, len(set))
	for _, s := range set {
		in[s] = true
	}
	out := []string{}
	for _, id := range ids {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}
