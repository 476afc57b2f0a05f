package pgsql

import (
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/cte"
	"github.com/leapstack-labs/proclineage/pkg/segment"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// source is one FROM item of a query level.
type source struct {
	binding *alias.Binding
	// columns is nil when the item's columns are unknown.
	columns []string
}

func (s source) has(col string) bool {
	for _, c := range s.columns {
		if strings.EqualFold(c, col) {
			return true
		}
	}
	return false
}

// level is one SELECT (or DML) query level during analysis.
type level struct {
	parent *level
	// correlate allows unqualified columns to resolve against parent
	// levels. CTE bodies see their parent's CTEs but not its columns.
	correlate bool
	scope     *alias.Scope
	sources   []source
	ctes      map[string]*cte.Definition
	// using maps columns merged by JOIN ... USING to the left binding.
	using map[string]*alias.Binding
}

func (l *level) lookupCTE(name string) (*cte.Definition, bool) {
	key := strings.ToLower(name)
	for lv := l; lv != nil; lv = lv.parent {
		if d, ok := lv.ctes[key]; ok {
			return d, true
		}
	}
	return nil, false
}

// analyzer holds the state of one Analyze call.
type analyzer struct {
	cat   segment.Catalog
	root  *alias.Scope
	defs  []*cte.Definition
	names map[string]bool
	seen  map[string]bool
	// sources are the relations read, in first-use order.
	sources  []string
	diags    core.Diagnostics
	reported map[string]bool
	// synthetic counts the _u_N names handed out.
	synthetic int
	// quiet is positive while rendering inline subqueries, whose FROM
	// items are bound for qualification only and must not add
	// definitions, sources or diagnostics.
	quiet int
}

func newAnalyzer(cat segment.Catalog) *analyzer {
	return &analyzer{
		cat:      cat,
		root:     alias.NewScope(),
		names:    make(map[string]bool),
		seen:     make(map[string]bool),
		reported: make(map[string]bool),
	}
}

func (a *analyzer) once(key string, code core.Code, format string, args ...any) {
	if a.quiet > 0 || a.reported[key] {
		return
	}
	a.reported[key] = true
	a.diags.Add(code, format, args...)
}

// uniqueName returns name, or name_N when a definition already uses it.
func (a *analyzer) uniqueName(name string) string {
	key := strings.ToLower(name)
	out := key
	for n := 2; a.names[out]; n++ {
		out = key + "_" + strconv.Itoa(n)
	}
	if a.quiet == 0 {
		a.names[out] = true
	}
	return out
}

func (a *analyzer) nextSynthetic() string {
	for {
		name := "_u_" + strconv.Itoa(a.synthetic)
		a.synthetic++
		if !a.names[name] {
			a.names[name] = true
			return name
		}
	}
}

func (a *analyzer) addSource(rel string) {
	key := strings.ToLower(rel)
	if a.quiet > 0 || a.seen[key] {
		return
	}
	a.seen[key] = true
	a.sources = append(a.sources, rel)
}

func (a *analyzer) define(d *cte.Definition) {
	if a.quiet > 0 {
		return
	}
	a.defs = append(a.defs, d)
}

func (a *analyzer) newLevel(parent *level, scope *alias.Scope, correlate bool) *level {
	return &level{
		parent:    parent,
		correlate: correlate,
		scope:     scope,
		ctes:      make(map[string]*cte.Definition),
		using:     make(map[string]*alias.Binding),
	}
}

// statement analyzes a top-level statement node.
func (a *analyzer) statement(node *pg_query.Node) (*segment.Analysis, error) {
	var (
		lvl     *level
		outputs []segment.Output
	)
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		lvl, outputs = a.query(nil, n.SelectStmt)
		if into := n.SelectStmt.IntoClause; into != nil {
			outputs = rename(outputs, nodeNames(into.ColNames))
		}

	case *pg_query.Node_CreateTableAsStmt:
		st := n.CreateTableAsStmt
		sel := st.Query.GetSelectStmt()
		if sel == nil {
			return nil, fmt.Errorf("CREATE TABLE AS: unsupported query %s", stmtType(st.Query))
		}
		lvl, outputs = a.query(nil, sel)
		if st.Into != nil {
			outputs = rename(outputs, nodeNames(st.Into.ColNames))
		}

	case *pg_query.Node_CreateStmt:
		lvl = a.newLevel(nil, a.root.Child(), false)

	case *pg_query.Node_InsertStmt:
		lvl, outputs = a.insert(n.InsertStmt)

	case *pg_query.Node_UpdateStmt:
		lvl, outputs = a.update(n.UpdateStmt)

	case *pg_query.Node_DeleteStmt:
		st := n.DeleteStmt
		lvl = a.newLevel(nil, a.root.Child(), false)
		a.with(lvl, st.WithClause)
		a.bindRelation(lvl, st.Relation)
		a.bindFrom(lvl, st.UsingClause)

	case *pg_query.Node_MergeStmt:
		lvl, outputs = a.merge(n.MergeStmt)

	case *pg_query.Node_TruncateStmt, *pg_query.Node_DropStmt:
		lvl = a.newLevel(nil, a.root.Child(), false)

	default:
		return nil, fmt.Errorf("cannot analyze %s", stmtType(node))
	}

	return &segment.Analysis{
		Outputs:     outputs,
		Scope:       lvl.scope,
		CTEs:        a.defs,
		Sources:     a.sources,
		Diagnostics: a.diags,
	}, nil
}

// rename replaces output names positionally.
func rename(outputs []segment.Output, names []string) []segment.Output {
	for i := range outputs {
		if i < len(names) {
			outputs[i].Column = names[i]
		}
	}
	return outputs
}

// with registers the CTEs of a WITH clause on lvl. Each body is analyzed
// in its own scope; recursive CTEs are visible inside their own body.
func (a *analyzer) with(lvl *level, wc *pg_query.WithClause) {
	if wc == nil {
		return
	}
	for _, n := range wc.Ctes {
		ce := n.GetCommonTableExpr()
		if ce == nil {
			continue
		}
		def := &cte.Definition{Name: a.uniqueName(ce.Ctename)}
		if wc.Recursive {
			for _, col := range nodeNames(ce.Aliascolnames) {
				def.Columns = append(def.Columns, cte.Column{Name: col})
			}
			lvl.ctes[strings.ToLower(ce.Ctename)] = def
		}

		sel := ce.Ctequery.GetSelectStmt()
		if sel == nil {
			a.once("cte:"+def.Name, core.CodeUnsupported, "CTE %s: data-modifying body is not analyzed", ce.Ctename)
			lvl.ctes[strings.ToLower(ce.Ctename)] = def
			a.define(def)
			continue
		}
		body := a.newLevel(lvl, a.root.Child(), false)
		_, outputs := a.selectInto(body, sel)
		outputs = rename(outputs, nodeNames(ce.Aliascolnames))

		def.Columns = def.Columns[:0]
		for _, o := range outputs {
			def.Columns = append(def.Columns, cte.Column{Name: o.Column, Expr: o.Expr})
		}
		def.Scope = body.scope
		def.SQL = deparseSelect(sel)
		lvl.ctes[strings.ToLower(ce.Ctename)] = def
		a.define(def)
	}
}

// query analyzes a SELECT as a new top-level query.
func (a *analyzer) query(parent *level, sel *pg_query.SelectStmt) (*level, []segment.Output) {
	scope := a.root.Child()
	if parent != nil {
		scope = parent.scope.Child()
	}
	lvl := a.newLevel(parent, scope, parent != nil)
	return a.selectInto(lvl, sel)
}

// selectInto analyzes sel on an existing level and returns its outputs.
func (a *analyzer) selectInto(lvl *level, sel *pg_query.SelectStmt) (*level, []segment.Output) {
	a.with(lvl, sel.WithClause)

	if sel.Op != pg_query.SetOperation_SETOP_NONE && sel.Op != pg_query.SetOperation_SET_OPERATION_UNDEFINED {
		return lvl, a.setOperation(lvl, sel)
	}

	if len(sel.ValuesLists) > 0 {
		return lvl, a.values(lvl, sel.ValuesLists)
	}

	a.bindFrom(lvl, sel.FromClause)
	var outputs []segment.Output
	for _, t := range sel.TargetList {
		rt := t.GetResTarget()
		if rt == nil || rt.Val == nil {
			continue
		}
		if cr := rt.Val.GetColumnRef(); cr != nil && isStar(cr) {
			outputs = append(outputs, a.expandStar(lvl, cr)...)
			continue
		}
		name := rt.Name
		if name == "" {
			name = outputName(rt.Val)
		}
		text := a.expr(lvl, rt.Val, true)
		outputs = append(outputs, segment.Output{Column: name, Expr: sqltext.Parse(text)})
	}
	return lvl, outputs
}

// values maps the first row of a VALUES list to column1..columnN.
func (a *analyzer) values(lvl *level, rows []*pg_query.Node) []segment.Output {
	list := rows[0].GetList()
	if list == nil {
		return nil
	}
	if len(rows) > 1 {
		a.once("values", core.CodeUnsupported, "VALUES with %d rows: lineage taken from the first row", len(rows))
	}
	out := make([]segment.Output, 0, len(list.Items))
	for i, item := range list.Items {
		out = append(out, segment.Output{
			Column: "column" + strconv.Itoa(i+1),
			Expr:   sqltext.Parse(a.expr(lvl, item, true)),
		})
	}
	return out
}

// setOperation turns each arm of a UNION/INTERSECT/EXCEPT into a derived
// definition and combines the arms column by column.
func (a *analyzer) setOperation(lvl *level, sel *pg_query.SelectStmt) []segment.Output {
	var arms []*pg_query.SelectStmt
	var flatten func(s *pg_query.SelectStmt)
	flatten = func(s *pg_query.SelectStmt) {
		if s.Op != pg_query.SetOperation_SETOP_NONE && s.Op != pg_query.SetOperation_SET_OPERATION_UNDEFINED && s.WithClause == nil {
			flatten(s.Larg)
			flatten(s.Rarg)
			return
		}
		arms = append(arms, s)
	}
	flatten(sel.Larg)
	flatten(sel.Rarg)

	op := setOpKeyword(sel)
	var (
		names   []string
		columns [][]sqltext.Expr
	)
	for _, arm := range arms {
		body := a.newLevel(lvl, lvl.scope.Child(), true)
		_, outputs := a.selectInto(body, arm)
		def := &cte.Definition{Name: a.uniqueName("_s"), Scope: body.scope, SQL: deparseSelect(arm)}
		for _, o := range outputs {
			def.Columns = append(def.Columns, cte.Column{Name: o.Column, Expr: o.Expr})
		}
		a.define(def)
		b := lvl.scope.Bind(def.Name, def.Name, alias.KindDerived)

		if names == nil {
			for _, o := range outputs {
				names = append(names, o.Column)
			}
			columns = make([][]sqltext.Expr, len(names))
		}
		for i := range names {
			if i < len(outputs) {
				ref := core.ColumnRef{Relation: b.Alias, Column: outputs[i].Column}
				columns[i] = append(columns[i], sqltext.Parse(ref.String()))
			}
		}
	}

	out := make([]segment.Output, len(names))
	for i, name := range names {
		out[i] = segment.Output{Column: name, Expr: sqltext.Join(" "+op+" ", columns[i]...)}
	}
	return out
}

func setOpKeyword(sel *pg_query.SelectStmt) string {
	var op string
	switch sel.Op {
	case pg_query.SetOperation_SETOP_INTERSECT:
		op = "INTERSECT"
	case pg_query.SetOperation_SETOP_EXCEPT:
		op = "EXCEPT"
	default:
		op = "UNION"
	}
	if sel.All {
		op += " ALL"
	}
	return op
}

// insert maps the source query's outputs to the target columns. Without
// an explicit column list the catalog's column order is used.
func (a *analyzer) insert(st *pg_query.InsertStmt) (*level, []segment.Output) {
	lvl := a.newLevel(nil, a.root.Child(), false)
	a.with(lvl, st.WithClause)
	if st.SelectStmt == nil {
		return lvl, nil
	}
	sel := st.SelectStmt.GetSelectStmt()
	if sel == nil {
		return lvl, nil
	}
	_, outputs := a.selectInto(lvl, sel)

	target := resTargetNames(st.Cols)
	if len(target) == 0 && a.cat != nil {
		target, _ = a.cat.Columns(relName(st.Relation))
	}
	if len(target) > 0 {
		if len(target) != len(outputs) {
			a.once("insert-arity", core.CodeAmbiguousColumn,
				"INSERT into %s: %d target columns for %d values", relName(st.Relation), len(target), len(outputs))
		}
		if len(outputs) > len(target) {
			outputs = outputs[:len(target)]
		}
		outputs = rename(outputs, target)
	}
	return lvl, outputs
}

// update returns one output per SET assignment.
func (a *analyzer) update(st *pg_query.UpdateStmt) (*level, []segment.Output) {
	lvl := a.newLevel(nil, a.root.Child(), false)
	a.with(lvl, st.WithClause)
	a.bindRelation(lvl, st.Relation)
	a.bindFrom(lvl, st.FromClause)
	return lvl, a.assignments(lvl, st.TargetList)
}

func (a *analyzer) assignments(lvl *level, targets []*pg_query.Node) []segment.Output {
	var out []segment.Output
	for _, t := range targets {
		rt := t.GetResTarget()
		if rt == nil || rt.Val == nil {
			continue
		}
		if rt.Val.GetMultiAssignRef() != nil {
			a.once("multiassign:"+rt.Name, core.CodeUnsupported, "multi-column assignment to %s is not analyzed", rt.Name)
			continue
		}
		out = append(out, segment.Output{Column: rt.Name, Expr: sqltext.Parse(a.expr(lvl, rt.Val, true))})
	}
	return out
}

// merge returns one output per assigned column of every WHEN clause.
func (a *analyzer) merge(st *pg_query.MergeStmt) (*level, []segment.Output) {
	lvl := a.newLevel(nil, a.root.Child(), false)
	a.with(lvl, st.WithClause)
	a.bindRelation(lvl, st.Relation)
	a.bindFromItem(lvl, st.SourceRelation)

	var target []string
	if a.cat != nil {
		target, _ = a.cat.Columns(relName(st.Relation))
	}

	var out []segment.Output
	for _, n := range st.MergeWhenClauses {
		wc := n.GetMergeWhenClause()
		if wc == nil {
			continue
		}
		switch wc.CommandType {
		case pg_query.CmdType_CMD_UPDATE:
			out = append(out, a.assignments(lvl, wc.TargetList)...)
		case pg_query.CmdType_CMD_INSERT:
			cols := resTargetNames(wc.TargetList)
			if len(cols) == 0 {
				cols = target
			}
			for i, v := range wc.Values {
				if i >= len(cols) {
					a.once("merge-arity", core.CodeAmbiguousColumn,
						"MERGE into %s: more values than target columns", relName(st.Relation))
					break
				}
				out = append(out, segment.Output{Column: cols[i], Expr: sqltext.Parse(a.expr(lvl, v, true))})
			}
		}
	}
	return lvl, out
}
