package assemble

import (
	"testing"

	"github.com/leapstack-labs/proclineage/pkg/catalog"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/pgsql"
	"github.com/leapstack-labs/proclineage/pkg/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, script string, opts Options) *Graph {
	t.Helper()
	nodes, diags := segment.New(pgsql.New()).Segment("etl", script)
	require.Empty(t, diags)
	return New(opts).Assemble(nodes)
}

func entry(t *testing.T, g *Graph, qualified string) core.Entry {
	t.Helper()
	_, e, ok := g.Lookup(qualified)
	require.True(t, ok, "no lineage for %s", qualified)
	return e
}

func refs(e core.Entry) []string {
	out := make([]string, len(e.Upstream))
	for i, r := range e.Upstream {
		out[i] = r.Relation + "." + r.Column
	}
	return out
}

func TestAssemble_TempTableBackwardResolution(t *testing.T) {
	g := build(t, `
		CREATE TEMP TABLE tmp AS SELECT id, SUM(amt) AS total FROM orders GROUP BY id;
		INSERT INTO out(id, total) SELECT id, total FROM tmp;`, Options{})
	require.False(t, g.Fatal())
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "ProcedureStart", g.Nodes[0].Kind)
	assert.Equal(t, "etl_node_1", g.Nodes[1].Name)

	total := entry(t, g, "out.total")
	assert.Equal(t, "SQL:SUM(orders.amt)", total.Transformation)
	assert.False(t, total.DirectCopy)
	assert.Equal(t, core.ConfidenceHigh, total.Confidence)
	assert.Equal(t, []string{"orders.amt"}, refs(total))

	id := entry(t, g, "out.id")
	assert.Equal(t, "COPY:orders.id", id.Transformation)
	assert.True(t, id.DirectCopy)

	insert, ok := g.Node(2)
	require.True(t, ok)
	assert.Equal(t, []string{"tmp"}, insert.Sources)
	assert.Equal(t, []string{"orders"}, insert.Origins)

	var kinds []EdgeKind
	for _, e := range g.Edges {
		if e.ToNode == 2 && e.To.Column == "total" {
			kinds = append(kinds, e.Kind)
		}
		if e.FromNode != core.NoNode {
			assert.Less(t, e.FromNode, e.ToNode)
		}
	}
	assert.ElementsMatch(t, []EdgeKind{EdgeTemp, EdgeOrigin}, kinds)

	require.Len(t, g.TempTables, 1)
	assert.Equal(t, "tmp", g.TempTables[0].Name)
	assert.Equal(t, 1, g.TempTables[0].DefinedAt)
}

func TestAssemble_DroppedTempTableIsExternal(t *testing.T) {
	g := build(t, `
		CREATE TEMP TABLE tmp AS SELECT o.id FROM orders o;
		DROP TABLE tmp;
		INSERT INTO out(id) SELECT id FROM tmp;`, Options{})

	id := entry(t, g, "out.id")
	assert.Equal(t, "COPY:tmp.id", id.Transformation)

	n, ok := g.Node(3)
	require.True(t, ok)
	assert.True(t, n.Diagnostics.Has(core.CodeUnregisteredTempTable))
	assert.True(t, g.TempTables[0].Invalidated)
	assert.Equal(t, 2, g.TempTables[0].InvalidatedAt)
}

func TestAssemble_TruncateStartsFreshLineage(t *testing.T) {
	g := build(t, `
		CREATE TEMP TABLE tmp AS SELECT a.x FROM a;
		TRUNCATE tmp;
		INSERT INTO tmp(x) SELECT b.y FROM b;
		INSERT INTO out(x) SELECT x FROM tmp;`, Options{})

	x := entry(t, g, "out.x")
	assert.Equal(t, "COPY:b.y", x.Transformation)
	assert.Equal(t, []string{"b.y"}, refs(x))
}

func TestAssemble_InsertAppendsLineage(t *testing.T) {
	g := build(t, `
		CREATE TEMP TABLE tmp AS SELECT a.x FROM a;
		INSERT INTO tmp(x) SELECT b.y FROM b;
		INSERT INTO out(x) SELECT x FROM tmp;`, Options{})

	x := entry(t, g, "out.x")
	assert.False(t, x.DirectCopy)
	assert.ElementsMatch(t, []string{"b.y", "a.x"}, refs(x))
	assert.Len(t, g.TempTables, 2)
}

func TestAssemble_UpdateReplacesTempColumn(t *testing.T) {
	g := build(t, `
		CREATE TEMP TABLE tmp AS SELECT o.id, o.amt FROM orders o;
		UPDATE tmp SET amt = r.rate * tmp.amt FROM rates r WHERE r.id = tmp.id;
		INSERT INTO out(id, amt) SELECT id, amt FROM tmp;`, Options{})

	amt := entry(t, g, "out.amt")
	assert.Equal(t, "SQL:rates.rate * orders.amt", amt.Transformation)
	id := entry(t, g, "out.id")
	assert.Equal(t, "COPY:orders.id", id.Transformation)
}

func TestAssemble_SelfJoinSlotsStayDistinct(t *testing.T) {
	g := build(t, `INSERT INTO out(a, b) SELECT p.x, q.x FROM t p JOIN t q ON p.id = q.parent_id;`, Options{})

	a := entry(t, g, "out.a")
	b := entry(t, g, "out.b")
	assert.Equal(t, "COPY:t.x", a.Transformation)
	assert.Equal(t, "COPY:t.x", b.Transformation)
	require.Len(t, a.Upstream, 1)
	require.Len(t, b.Upstream, 1)
	assert.NotEqual(t, a.Upstream[0].Slot, b.Upstream[0].Slot)

	g = build(t, `INSERT INTO out(d) SELECT q.x - p.x FROM t p JOIN t q ON p.id = q.parent_id;`, Options{})
	d := entry(t, g, "out.d")
	assert.Len(t, d.Upstream, 2)
}

func TestAssemble_CatalogMissingColumnIsComputed(t *testing.T) {
	cat := catalog.NewStatic("")
	cat.Add("t", "a")

	g := build(t, `INSERT INTO out(y) SELECT s.x FROM t s;`, Options{Catalog: cat})
	y := entry(t, g, "out.y")
	assert.Equal(t, "SQL:t.x", y.Transformation)
	assert.False(t, y.DirectCopy)
	assert.Equal(t, core.ConfidenceLow, y.Confidence)

	n, _ := g.Node(1)
	assert.True(t, n.Diagnostics.Has(core.CodeUnknownColumn))
}

func TestAssemble_ProceduralStatementDoesNotStopLaterNodes(t *testing.T) {
	g := build(t, `
		RAISE NOTICE 'start';
		INSERT INTO out(x) SELECT a.x FROM a;`, Options{})

	n, ok := g.Node(1)
	require.True(t, ok)
	assert.Equal(t, "Unknown", n.Kind)
	assert.True(t, n.Diagnostics.Has(core.CodeUnsupported))
	assert.Equal(t, "COPY:a.x", entry(t, g, "out.x").Transformation)
}

func TestAssemble_Empty(t *testing.T) {
	g := New(Options{}).Assemble(nil)
	assert.True(t, g.Fatal())
	assert.Empty(t, g.Nodes)
	require.Len(t, g.Diagnostics, 1)
	assert.Equal(t, core.CodeEmptyProcedure, g.Diagnostics[0].Code)
}

func TestAssemble_Idempotent(t *testing.T) {
	script := `
		CREATE TEMP TABLE tmp AS SELECT p.id, COALESCE((SELECT AVG(h.v) FROM h WHERE h.pid = p.id), 0) AS v FROM p;
		INSERT INTO out(id, v) SELECT id, v FROM tmp;`
	nodes, _ := segment.New(pgsql.New()).Segment("etl", script)
	a := New(Options{})
	assert.Equal(t, a.Assemble(nodes), a.Assemble(nodes))
}

func TestCheckAcyclic(t *testing.T) {
	from := core.ColumnRef{Relation: "t", Column: "a"}
	to := core.ColumnRef{Relation: "u", Column: "b"}

	_, ok := checkAcyclic([]Edge{{From: from, FromNode: core.NoNode, To: to, ToNode: 1}})
	assert.True(t, ok)

	path, ok := checkAcyclic([]Edge{
		{From: from, FromNode: 1, To: to, ToNode: 2},
		{From: to, FromNode: 2, To: from, ToNode: 1},
	})
	assert.False(t, ok)
	assert.NotEmpty(t, path)
}

func TestImpact(t *testing.T) {
	g := build(t, `
		CREATE TEMP TABLE tmp AS SELECT id, SUM(amt) AS total FROM orders GROUP BY id;
		INSERT INTO out(id, total, loaded) SELECT id, total, 1 FROM tmp;`, Options{})

	imp, ok := g.Impact("out.total")
	require.True(t, ok)
	assert.Equal(t, "2:out.total", imp.Column)
	assert.Equal(t, []string{"1:tmp.total", "orders.amt"}, imp.Parents)
	assert.Empty(t, imp.Children)
	assert.Equal(t, []string{"orders.amt", "1:tmp.total"}, imp.Upstream, "sources come first")
	assert.Equal(t, []string{"orders.amt"}, imp.Origins)
	assert.Empty(t, imp.Downstream)

	imp, ok = g.Impact("ORDERS.amt")
	require.True(t, ok, "columns the procedure only reads resolve too")
	assert.Equal(t, "orders.amt", imp.Column)
	assert.Equal(t, []string{"1:tmp.total", "2:out.total"}, imp.Downstream)
	assert.Equal(t, []string{"2:out.total"}, imp.Finals)
	assert.Empty(t, imp.Upstream)

	imp, ok = g.Impact("out.loaded")
	require.True(t, ok, "a constant column has an empty neighbourhood")
	assert.Equal(t, "2:out.loaded", imp.Column)
	assert.Empty(t, imp.Upstream)

	_, ok = g.Impact("nowhere.col")
	assert.False(t, ok)
}
