package pgsql

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/cte"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// unnest rewrites a scalar or EXISTS subquery into a synthetic definition
// _u_N and returns the text that replaces it. The definition's value
// column is _col_0; each equality between an inner and an outer column
// becomes a key column _u_K recorded as a correlation.
//
// Subqueries correlated through anything other than top-level equality
// conjuncts are left inline.
func (a *analyzer) unnest(lvl *level, sl *pg_query.SubLink) (string, bool) {
	exists := sl.SubLinkType == pg_query.SubLinkType_EXISTS_SUBLINK
	if sl.SubLinkType != pg_query.SubLinkType_EXPR_SUBLINK && !exists {
		return "", false
	}
	sel := sl.Subselect.GetSelectStmt()
	if sel == nil || sel.WithClause != nil || len(sel.ValuesLists) > 0 ||
		(sel.Op != pg_query.SetOperation_SETOP_NONE && sel.Op != pg_query.SetOperation_SET_OPERATION_UNDEFINED) {
		return "", false
	}
	if !exists && len(sel.TargetList) != 1 {
		return "", false
	}

	// Probe on a detached scope so the decision does not consume slots.
	inner := a.newLevel(lvl, alias.NewScope(), true)
	a.quiet++
	a.bindFrom(inner, sel.FromClause)
	a.quiet--

	// Split the WHERE clause into correlation equalities and the rest.
	type pair struct{ inner, outer *pg_query.Node }
	var pairs []pair
	for _, conj := range conjuncts(sel.WhereClause) {
		if in, out, ok := a.correlation(inner, conj); ok {
			pairs = append(pairs, pair{in, out})
			continue
		}
		if a.references(inner, conj) {
			return "", false
		}
	}
	for _, n := range append(append([]*pg_query.Node{}, sel.TargetList...), sel.GroupClause...) {
		if a.references(inner, n) {
			return "", false
		}
	}
	if sel.HavingClause != nil && a.references(inner, sel.HavingClause) {
		return "", false
	}
	if exists && len(pairs) == 0 {
		return "", false
	}

	// Rebind for real now that the subquery is known to unnest, so derived
	// tables in its FROM list are registered.
	scope := lvl.scope.Child()
	inner = a.newLevel(lvl, scope, true)
	a.bindFrom(inner, sel.FromClause)

	name := a.nextSynthetic()
	def := &cte.Definition{
		Name:      name,
		Synthetic: true,
		Scope:     scope,
		SQL:       deparseSelect(sel),
	}
	if !exists {
		rt := sel.TargetList[0].GetResTarget()
		if rt == nil {
			return "", false
		}
		def.Columns = append(def.Columns, cte.Column{
			Name: "_col_0",
			Expr: sqltext.Parse(a.expr(inner, rt.Val, true)),
		})
	}
	for _, p := range pairs {
		key := a.nextSynthetic()
		def.Columns = append(def.Columns, cte.Column{Name: key, Expr: sqltext.Parse(a.expr(inner, p.inner, true))})
		outer, _, _ := alias.Resolve(lvl.scope, sqltext.Parse(a.expr(lvl, p.outer, false)))
		def.Correlations = append(def.Correlations, cte.Correlation{Key: key, Outer: outer})
	}
	a.define(def)
	lvl.scope.Bind(name, name, alias.KindDerived)

	if exists {
		return name + "." + def.Correlations[0].Key + " IS NOT NULL", true
	}
	return name + "._col_0", true
}

// conjuncts flattens a tree of ANDs.
func conjuncts(n *pg_query.Node) []*pg_query.Node {
	if n == nil {
		return nil
	}
	if be := n.GetBoolExpr(); be != nil && be.Boolop == pg_query.BoolExprType_AND_EXPR {
		var out []*pg_query.Node
		for _, arg := range be.Args {
			out = append(out, conjuncts(arg)...)
		}
		return out
	}
	return []*pg_query.Node{n}
}

// correlation matches "inner = outer" (either order) where one side reads
// only the subquery's own relations and the other only enclosing ones.
func (a *analyzer) correlation(inner *level, n *pg_query.Node) (in, out *pg_query.Node, ok bool) {
	ae := n.GetAExpr()
	if ae == nil || ae.Kind != pg_query.A_Expr_Kind_AEXPR_OP || opName(ae.Name) != "=" || ae.Lexpr == nil || ae.Rexpr == nil {
		return nil, nil, false
	}
	lIn, lOut := a.sides(inner, ae.Lexpr)
	rIn, rOut := a.sides(inner, ae.Rexpr)
	switch {
	case lIn && !lOut && rOut && !rIn:
		return ae.Lexpr, ae.Rexpr, true
	case rIn && !rOut && lOut && !lIn:
		return ae.Rexpr, ae.Lexpr, true
	}
	return nil, nil, false
}

// sides reports whether n reads columns of the inner level and of
// enclosing levels.
func (a *analyzer) sides(inner *level, n *pg_query.Node) (readsInner, readsOuter bool) {
	walkColumnRefs(n, func(cr *pg_query.ColumnRef) {
		switch a.levelOfQuiet(inner, cr) {
		case inner:
			readsInner = true
		case nil:
		default:
			readsOuter = true
		}
	})
	return readsInner, readsOuter
}

// references reports whether n reads a column of a level enclosing inner.
func (a *analyzer) references(inner *level, n *pg_query.Node) bool {
	_, outer := a.sides(inner, n)
	return outer
}

func (a *analyzer) levelOfQuiet(inner *level, cr *pg_query.ColumnRef) *level {
	a.quiet++
	defer func() { a.quiet-- }()
	return a.levelOf(inner, cr)
}

// walkColumnRefs calls fn for every column reference in n, not descending
// into nested subqueries.
func walkColumnRefs(n *pg_query.Node, fn func(*pg_query.ColumnRef)) {
	if n == nil {
		return
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_ColumnRef:
		if !isStar(v.ColumnRef) {
			fn(v.ColumnRef)
		}
	case *pg_query.Node_ResTarget:
		walkColumnRefs(v.ResTarget.Val, fn)
	case *pg_query.Node_AExpr:
		walkColumnRefs(v.AExpr.Lexpr, fn)
		walkColumnRefs(v.AExpr.Rexpr, fn)
	case *pg_query.Node_BoolExpr:
		walkNodes(v.BoolExpr.Args, fn)
	case *pg_query.Node_FuncCall:
		walkNodes(v.FuncCall.Args, fn)
		walkColumnRefs(v.FuncCall.AggFilter, fn)
	case *pg_query.Node_CoalesceExpr:
		walkNodes(v.CoalesceExpr.Args, fn)
	case *pg_query.Node_MinMaxExpr:
		walkNodes(v.MinMaxExpr.Args, fn)
	case *pg_query.Node_NullTest:
		walkColumnRefs(v.NullTest.Arg, fn)
	case *pg_query.Node_TypeCast:
		walkColumnRefs(v.TypeCast.Arg, fn)
	case *pg_query.Node_CaseExpr:
		walkColumnRefs(v.CaseExpr.Arg, fn)
		walkNodes(v.CaseExpr.Args, fn)
		walkColumnRefs(v.CaseExpr.Defresult, fn)
	case *pg_query.Node_CaseWhen:
		walkColumnRefs(v.CaseWhen.Expr, fn)
		walkColumnRefs(v.CaseWhen.Result, fn)
	case *pg_query.Node_List:
		walkNodes(v.List.Items, fn)
	case *pg_query.Node_SubLink:
		walkColumnRefs(v.SubLink.Testexpr, fn)
	}
}

func walkNodes(nodes []*pg_query.Node, fn func(*pg_query.ColumnRef)) {
	for _, n := range nodes {
		walkColumnRefs(n, fn)
	}
}
