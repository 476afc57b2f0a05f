// Package dag holds the column-level lineage graph of one procedure and
// checks it for cycles. Vertices are columns; an edge runs from a column
// to a column derived from it.
package dag

import (
	"fmt"
	"sort"
)

// Vertex is one column in the graph.
type Vertex struct {
	// ID is the unique vertex key, e.g. "orders.amt" or "3:out.total".
	ID string
	// Data holds arbitrary vertex data
	Data any
}

// Graph is a directed graph of column vertices.
type Graph struct {
	vertices map[string]*Vertex
	edges    map[string][]string // upstream -> downstream
	parents  map[string][]string // downstream -> upstream
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		vertices: make(map[string]*Vertex),
		edges:    make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// AddVertex adds a vertex to the graph, replacing the data of an existing one.
func (g *Graph) AddVertex(id string, data any) {
	if v, exists := g.vertices[id]; exists {
		v.Data = data
		return
	}
	g.vertices[id] = &Vertex{ID: id, Data: data}
	g.edges[id] = []string{}
	g.parents[id] = []string{}
}

// AddEdge adds a directed edge from an upstream column to a downstream one.
func (g *Graph) AddEdge(fromID, toID string) error {
	if _, exists := g.vertices[fromID]; !exists {
		return fmt.Errorf("upstream vertex %q does not exist", fromID)
	}
	if _, exists := g.vertices[toID]; !exists {
		return fmt.Errorf("downstream vertex %q does not exist", toID)
	}
	if fromID == toID {
		return fmt.Errorf("self-loop detected: %s", fromID)
	}

	if !contains(g.edges[fromID], toID) {
		g.edges[fromID] = append(g.edges[fromID], toID)
	}
	if !contains(g.parents[toID], fromID) {
		g.parents[toID] = append(g.parents[toID], fromID)
	}
	return nil
}

// Vertex returns a vertex by ID.
func (g *Graph) Vertex(id string) (*Vertex, bool) {
	v, exists := g.vertices[id]
	return v, exists
}

// Parents returns the direct upstream columns of a vertex.
func (g *Graph) Parents(id string) []string {
	return g.parents[id]
}

// Children returns the direct downstream columns of a vertex.
func (g *Graph) Children(id string) []string {
	return g.edges[id]
}

// HasCycle returns true if the graph contains a cycle, along with the cycle path.
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	via := make(map[string]string)

	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true

		for _, child := range g.edges[id] {
			if !visited[child] {
				via[child] = id
				if dfs(child) {
					return true
				}
			} else if onStack[child] {
				cyclePath = []string{child}
				for curr := id; curr != child; curr = via[curr] {
					cyclePath = append([]string{curr}, cyclePath...)
				}
				cyclePath = append([]string{child}, cyclePath...)
				return true
			}
		}

		onStack[id] = false
		return false
	}

	// Sorted start order keeps the reported path stable.
	for _, id := range g.ids() {
		if !visited[id] {
			if dfs(id) {
				return true, cyclePath
			}
		}
	}
	return false, nil
}

// TopologicalSort returns vertices with every column before the columns
// derived from it. Returns an error if the graph contains a cycle.
func (g *Graph) TopologicalSort() ([]*Vertex, error) {
	if hasCycle, cyclePath := g.HasCycle(); hasCycle {
		return nil, fmt.Errorf("cycle detected: %v", cyclePath)
	}

	visited := make(map[string]bool)
	var result []*Vertex

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, parent := range g.parents[id] {
			visit(parent)
		}
		result = append(result, g.vertices[id])
	}

	for _, id := range g.ids() {
		visit(id)
	}
	return result, nil
}

// Downstream returns every column derived, directly or transitively, from
// the given columns, excluding the columns themselves.
func (g *Graph) Downstream(ids ...string) []string {
	return g.reach(ids, g.edges)
}

// Upstream returns every column the given columns derive from, directly
// or transitively.
func (g *Graph) Upstream(ids ...string) []string {
	return g.reach(ids, g.parents)
}

func (g *Graph) reach(start []string, next map[string][]string) []string {
	found := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, n := range next[id] {
			if !found[n] {
				found[n] = true
				walk(n)
			}
		}
	}
	for _, id := range start {
		walk(id)
	}
	for _, id := range start {
		delete(found, id)
	}

	result := make([]string, 0, len(found))
	for id := range found {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Roots returns columns with no upstream: the physical origins.
func (g *Graph) Roots() []string {
	var roots []string
	for id := range g.vertices {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Leaves returns columns nothing else derives from.
func (g *Graph) Leaves() []string {
	var leaves []string
	for id := range g.vertices {
		if len(g.edges[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

func (g *Graph) ids() []string {
	ids := make([]string, 0, len(g.vertices))
	for id := range g.vertices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func contains(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}
