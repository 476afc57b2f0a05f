package assemble

import (
	"errors"
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/catalog"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/cte"
	"github.com/leapstack-labs/proclineage/pkg/segment"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
	"github.com/leapstack-labs/proclineage/pkg/temptable"
)

// Options configures an Assembler.
type Options struct {
	// MaxDepth bounds CTE and temp table substitution. Zero selects the
	// packages' default of 5.
	MaxDepth int
	// Catalog describes the permanent relations. It may be nil.
	Catalog catalog.Catalog
}

// Assembler builds lineage graphs. It holds no state between calls, so
// one Assembler may serve concurrent callers.
type Assembler struct {
	opts Options
}

// New creates an Assembler.
func New(opts Options) *Assembler {
	return &Assembler{opts: opts}
}

// run is the state of one Assemble call.
type run struct {
	opts  Options
	reg   *temptable.Registry
	edges []Edge
	seen  map[string]bool
}

// Assemble builds the graph of nodes, which must start with the
// ProcedureStart node and be in ordinal order. A problem with one column
// or node is recorded as a diagnostic and never stops later nodes.
func (a *Assembler) Assemble(nodes []*segment.Node) *Graph {
	name := segment.DefaultName
	var params []segment.Param
	if len(nodes) > 0 {
		if start, ok := nodes[0].Kind.(segment.ProcedureStart); ok {
			name, params = start.Procedure, start.Params
		}
	}
	if len(nodes) <= 1 {
		return Empty(name, core.NewDiagnostic(core.CodeEmptyProcedure, "procedure %s has no statements", name))
	}

	r := &run{
		opts: a.opts,
		reg:  temptable.NewRegistry(a.opts.MaxDepth),
		seen: make(map[string]bool),
	}
	g := &Graph{Procedure: name, Params: params}
	for _, n := range nodes {
		g.Nodes = append(g.Nodes, r.node(n))
	}
	g.Edges = r.edges
	if g.Edges == nil {
		g.Edges = []Edge{}
	}
	g.TempTables = r.reg.Descriptors()

	if path, ok := checkAcyclic(g.Edges); !ok {
		return Empty(name, core.NewDiagnostic(core.CodeGraphCycle,
			"lineage graph of %s has a cycle: %s", name, strings.Join(path, " -> ")))
	}
	return g
}

// checkAcyclic verifies that the edges form a DAG.
func checkAcyclic(edges []Edge) ([]string, bool) {
	g, err := ColumnGraph(edges)
	if err != nil {
		for _, e := range edges {
			if e.FromID() == e.ToID() {
				return []string{e.FromID(), e.ToID()}, false
			}
		}
		return nil, false
	}
	if cyclic, path := g.HasCycle(); cyclic {
		return path, false
	}
	return nil, true
}

func (r *run) node(n *segment.Node) NodeLineage {
	nl := NodeLineage{
		ID:          n.ID,
		Name:        n.Name,
		Kind:        n.Kind.Name(),
		Target:      n.Target,
		SQL:         n.Text,
		Diagnostics: append(core.Diagnostics(nil), n.Diagnostics...),
	}
	if n.Stmt == nil {
		return nl
	}
	nl.Fingerprint = n.Stmt.Fingerprint()

	cat := catalog.Overlay{Base: r.opts.Catalog, Temps: r.reg, AsOf: n.ID}
	an, err := n.Stmt.Analyze(cat)
	if err != nil {
		nl.Diagnostics = append(nl.Diagnostics,
			core.NewDiagnostic(core.CodeUnsupported, "statement not analyzed: %v", err).At(n.ID, ""))
		return nl
	}
	nl.Diagnostics = append(nl.Diagnostics, an.Diagnostics.Attach(n.ID, "")...)
	nl.Sources = an.Sources

	ctes := cte.NewResolver(an.CTEs, r.opts.MaxDepth)
	produced := make([]temptable.Column, 0, len(an.Outputs))
	for _, o := range an.Outputs {
		c := r.column(n, an.Scope, ctes, o)
		nl.Columns = append(nl.Columns, c.entry)
		nl.Diagnostics = append(nl.Diagnostics, c.diags.Attach(n.ID, o.Column)...)
		produced = append(produced, c.stored)
	}
	nl.Origins = r.origins(n.ID, an.Sources, nl.Columns, ctes)

	if err := r.write(n, produced); err != nil {
		nl.Diagnostics = append(nl.Diagnostics,
			core.NewDiagnostic(core.CodeUnregisteredTempTable, "%v", err).At(n.ID, ""))
	}
	nl.Diagnostics = dedupe(nl.Diagnostics)
	return nl
}

type columnResult struct {
	entry  core.Entry
	stored temptable.Column
	diags  core.Diagnostics
}

// column resolves one output through aliases, CTEs and temp tables.
func (r *run) column(n *segment.Node, scope *alias.Scope, ctes *cte.Resolver, o segment.Output) columnResult {
	var diags core.Diagnostics
	expr, conf, d := alias.Resolve(scope, o.Expr)
	diags = append(diags, d...)

	exp := ctes.Expand(expr)
	conf = conf.Min(exp.Confidence)
	diags = append(diags, exp.Diagnostics...)

	// The registry keeps the expression before temp resolution; readers
	// resolve it as of the node that wrote it.
	stored := temptable.Column{Name: o.Column, Expr: exp.Expr, Extra: exp.Extra, Confidence: conf}

	res := r.reg.Resolve(exp.Expr, n.ID)
	conf = conf.Min(res.Confidence)
	diags = append(diags, res.Diagnostics...)
	upstream := res.Upstream()
	for _, x := range exp.Extra {
		xr := r.reg.Resolve(sqltext.RefExpr(x), n.ID)
		conf = conf.Min(xr.Confidence)
		diags = append(diags, xr.Diagnostics...)
		upstream = append(upstream, xr.Upstream()...)
	}

	entry := core.Entry{
		Column:     o.Column,
		Upstream:   core.DedupeRefs(upstream),
		Confidence: conf,
	}
	if entry.Upstream == nil {
		entry.Upstream = []core.ColumnRef{}
	}
	r.classify(&entry, res.Expr, n.ID, ctes, &diags)

	to := core.ColumnRef{Relation: n.Target, Column: o.Column}
	for _, ref := range append(append([]core.ColumnRef(nil), exp.Expr.Refs...), exp.Extra...) {
		if col, ok := r.tempColumn(ref, n.ID); ok {
			r.addEdge(Edge{Kind: EdgeTemp, From: plain(ref), FromNode: col.DefinedAt, To: to, ToNode: n.ID,
				Transformation: entry.Transformation}, &diags)
		}
	}
	for _, ref := range entry.Upstream {
		if _, isCTE := ctes.Lookup(ref.Relation); isCTE || ref.Relation == "" {
			continue
		}
		e := Edge{Kind: EdgeOrigin, From: plain(ref), FromNode: core.NoNode, To: to, ToNode: n.ID,
			Transformation: entry.Transformation}
		// A truncated temp column is its own origin.
		if col, ok := r.tempColumn(ref, n.ID); ok {
			e.Kind, e.FromNode = EdgeTemp, col.DefinedAt
		}
		r.addEdge(e, &diags)
	}

	return columnResult{entry: entry, stored: stored, diags: diags}
}

// classify picks the COPY form when the resolved expression is exactly one
// leaf column, and the SQL form otherwise.
func (r *run) classify(e *core.Entry, final sqltext.Expr, asOf int, ctes *cte.Resolver, diags *core.Diagnostics) {
	e.Transformation = core.SQLTransformation(final.Text)
	if !final.IsSingleRef() || len(e.Upstream) != 1 {
		return
	}
	ref := final.Refs[0]
	if ref.Relation == "" {
		return
	}
	if _, isCTE := ctes.Lookup(ref.Relation); isCTE {
		return
	}
	cat := catalog.Overlay{Base: r.opts.Catalog, Temps: r.reg, AsOf: asOf}
	if cols, ok := cat.Columns(ref.Relation); ok && !containsFold(cols, ref.Column) {
		e.Confidence = core.ConfidenceLow
		diags.Add(core.CodeUnknownColumn, "relation %s has no column %s; recorded as computed",
			ref.Relation, core.QuoteIdent(ref.Column))
		return
	}
	e.Transformation = core.CopyTransformation(plain(ref))
	e.DirectCopy = true
}

// tempColumn finds the temp table column a reference reads as of a node.
func (r *run) tempColumn(ref core.ColumnRef, asOf int) (temptable.Column, bool) {
	if ref.Relation == "" {
		return temptable.Column{}, false
	}
	d, ok := r.reg.Lookup(ref.Relation, asOf)
	if !ok {
		return temptable.Column{}, false
	}
	return d.Column(ref.Column)
}

// addEdge records an edge once. Edges must come from a strictly earlier
// node or from outside the procedure.
func (r *run) addEdge(e Edge, diags *core.Diagnostics) {
	if e.FromNode != core.NoNode && e.FromNode >= e.ToNode {
		diags.Add(core.CodeGraphCycle, "edge from node %d to node %d dropped: not from an earlier node",
			e.FromNode, e.ToNode)
		return
	}
	key := string(e.Kind) + "|" + e.FromID() + "|" + e.ToID()
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.edges = append(r.edges, e)
}

// origins lists the relations behind a node's sources with temp tables
// expanded, followed by any relation its column lineage reaches.
func (r *run) origins(asOf int, sources []string, entries []core.Entry, ctes *cte.Resolver) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(rel string) {
		key := strings.ToLower(rel)
		if rel == "" || seen[key] {
			return
		}
		if _, isCTE := ctes.Lookup(rel); isCTE {
			return
		}
		seen[key] = true
		out = append(out, rel)
	}

	for _, s := range sources {
		d, ok := r.reg.Lookup(s, asOf)
		if !ok {
			add(s)
			continue
		}
		for _, c := range d.Columns {
			if !c.HasLineage() {
				add(d.Name)
				continue
			}
			res := r.reg.Resolve(c.Expr, c.DefinedAt)
			for _, rel := range core.Relations(res.Upstream()) {
				add(rel)
			}
			for _, x := range c.Extra {
				xr := r.reg.Resolve(sqltext.RefExpr(x), c.DefinedAt)
				for _, rel := range core.Relations(xr.Upstream()) {
					add(rel)
				}
			}
		}
	}
	for _, e := range entries {
		for _, rel := range core.Relations(e.Upstream) {
			add(rel)
		}
	}
	return out
}

// write applies a node's effect on temp tables. Writes to relations that
// are not visible temp tables leave the registry alone.
func (r *run) write(n *segment.Node, cols []temptable.Column) error {
	var err error
	switch k := n.Kind.(type) {
	case segment.CreateTempTable:
		if !k.FromQuery {
			cols = make([]temptable.Column, len(k.Columns))
			for i, name := range k.Columns {
				cols[i] = temptable.Column{Name: name}
			}
		}
		_, err = r.reg.Register(n.ID, k.Table, cols)

	case segment.Insert:
		if r.isTemp(k.Table, n.ID) {
			_, err = r.reg.Append(n.ID, k.Table, cols)
		}

	case segment.Update:
		if r.isTemp(k.Table, n.ID) {
			_, err = r.reg.Replace(n.ID, k.Table, cols)
		}

	case segment.Merge:
		if r.isTemp(k.Table, n.ID) {
			_, err = r.reg.Append(n.ID, k.Table, collapse(cols))
		}

	case segment.Truncate:
		for _, t := range k.Tables {
			if r.isTemp(t, n.ID) {
				if _, terr := r.reg.Truncate(n.ID, t); terr != nil {
					err = errors.Join(err, terr)
				}
			}
		}

	case segment.Drop:
		for _, t := range k.Tables {
			if !r.isTemp(t, n.ID) {
				continue
			}
			if derr := r.reg.Invalidate(t, n.ID); derr != nil && !errors.Is(derr, temptable.ErrNotRegistered) {
				err = errors.Join(err, derr)
			}
		}
	}
	return err
}

func (r *run) isTemp(name string, asOf int) bool {
	_, ok := r.reg.Lookup(name, asOf)
	return ok
}

// collapse merges repeated columns, as a MERGE assigns a column once per
// WHEN clause. The first expression is kept; later ones contribute their
// references as extra upstream.
func collapse(cols []temptable.Column) []temptable.Column {
	var out []temptable.Column
	index := make(map[string]int)
	for _, c := range cols {
		key := strings.ToLower(c.Name)
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, c)
			continue
		}
		prev := &out[i]
		prev.Extra = core.DedupeRefs(append(append(prev.Extra, c.Expr.Refs...), c.Extra...))
		prev.Confidence = prev.Confidence.Min(c.Confidence)
	}
	return out
}

// plain drops the slot from a reference.
func plain(ref core.ColumnRef) core.ColumnRef {
	return core.ColumnRef{Relation: ref.Relation, Column: ref.Column}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func dedupe(ds core.Diagnostics) core.Diagnostics {
	if len(ds) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ds))
	out := ds[:0]
	for _, d := range ds {
		key := d.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}
