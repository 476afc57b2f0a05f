package pgsql

import (
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

var upper = cases.Upper(language.Und)

// typeAliases maps internal type names to their SQL spelling.
var typeAliases = map[string]string{
	"int2":        "SMALLINT",
	"int4":        "INTEGER",
	"int8":        "BIGINT",
	"float4":      "REAL",
	"float8":      "DOUBLE PRECISION",
	"bool":        "BOOLEAN",
	"bpchar":      "CHAR",
	"timestamptz": "TIMESTAMPTZ",
	"timetz":      "TIMETZ",
}

func refText(qualifier, col string) sqltext.Expr {
	return sqltext.Parse(core.QuoteQualified(qualifier) + "." + core.QuoteIdent(col))
}

// funcName returns a function's name without the pg_catalog schema.
func funcName(fc *pg_query.FuncCall) string {
	parts := nodeNames(fc.Funcname)
	if len(parts) > 1 && parts[0] == "pg_catalog" {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}

// typeName renders a type name in upper case, e.g. NUMERIC(10, 2).
func typeName(tn *pg_query.TypeName) string {
	if tn == nil {
		return ""
	}
	parts := nodeNames(tn.Names)
	if len(parts) > 1 && parts[0] == "pg_catalog" {
		parts = parts[1:]
	}
	name := strings.Join(parts, ".")
	if a, ok := typeAliases[name]; ok {
		name = a
	} else {
		name = upper.String(name)
	}
	if len(tn.Typmods) > 0 {
		mods := make([]string, 0, len(tn.Typmods))
		for _, m := range tn.Typmods {
			mods = append(mods, constText(m.GetAConst()))
		}
		name += "(" + strings.Join(mods, ", ") + ")"
	}
	for range tn.ArrayBounds {
		name += "[]"
	}
	return name
}

func constText(c *pg_query.A_Const) string {
	if c == nil || c.Isnull {
		return "NULL"
	}
	switch v := c.Val.(type) {
	case *pg_query.A_Const_Ival:
		return strconv.FormatInt(int64(v.Ival.Ival), 10)
	case *pg_query.A_Const_Fval:
		return v.Fval.Fval
	case *pg_query.A_Const_Boolval:
		if v.Boolval.Boolval {
			return "TRUE"
		}
		return "FALSE"
	case *pg_query.A_Const_Sval:
		return "'" + strings.ReplaceAll(v.Sval.Sval, "'", "''") + "'"
	case *pg_query.A_Const_Bsval:
		return "B'" + strings.TrimPrefix(v.Bsval.Bsval, "b") + "'"
	}
	return "NULL"
}

func opName(names []*pg_query.Node) string {
	parts := nodeNames(names)
	if len(parts) == 0 {
		return "?"
	}
	return parts[len(parts)-1]
}

// expr renders an expression with every column reference qualified.
// With unnest set, scalar and EXISTS subqueries become references into
// synthetic definitions where possible.
func (a *analyzer) expr(lvl *level, n *pg_query.Node, unnest bool) string {
	if n == nil {
		return ""
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_ColumnRef:
		return a.columnRef(lvl, v.ColumnRef)

	case *pg_query.Node_AConst:
		return constText(v.AConst)

	case *pg_query.Node_ParamRef:
		return "$" + strconv.Itoa(int(v.ParamRef.Number))

	case *pg_query.Node_FuncCall:
		return a.funcCall(lvl, v.FuncCall, unnest)

	case *pg_query.Node_AExpr:
		return a.aExpr(lvl, v.AExpr, unnest)

	case *pg_query.Node_BoolExpr:
		be := v.BoolExpr
		if be.Boolop == pg_query.BoolExprType_NOT_EXPR && len(be.Args) == 1 {
			return "NOT " + a.operand(lvl, be.Args[0], unnest)
		}
		op := " AND "
		if be.Boolop == pg_query.BoolExprType_OR_EXPR {
			op = " OR "
		}
		args := make([]string, len(be.Args))
		for i, arg := range be.Args {
			args[i] = a.operand(lvl, arg, unnest)
		}
		return strings.Join(args, op)

	case *pg_query.Node_NullTest:
		nt := v.NullTest
		if nt.Nulltesttype == pg_query.NullTestType_IS_NOT_NULL {
			return a.operand(lvl, nt.Arg, unnest) + " IS NOT NULL"
		}
		return a.operand(lvl, nt.Arg, unnest) + " IS NULL"

	case *pg_query.Node_CoalesceExpr:
		return "COALESCE(" + a.list(lvl, v.CoalesceExpr.Args, unnest) + ")"

	case *pg_query.Node_MinMaxExpr:
		name := "GREATEST"
		if v.MinMaxExpr.Op == pg_query.MinMaxOp_IS_LEAST {
			name = "LEAST"
		}
		return name + "(" + a.list(lvl, v.MinMaxExpr.Args, unnest) + ")"

	case *pg_query.Node_CaseExpr:
		ce := v.CaseExpr
		var b strings.Builder
		b.WriteString("CASE")
		if ce.Arg != nil {
			b.WriteString(" " + a.expr(lvl, ce.Arg, unnest))
		}
		for _, w := range ce.Args {
			if cw := w.GetCaseWhen(); cw != nil {
				b.WriteString(" WHEN " + a.expr(lvl, cw.Expr, unnest) + " THEN " + a.expr(lvl, cw.Result, unnest))
			}
		}
		if ce.Defresult != nil {
			b.WriteString(" ELSE " + a.expr(lvl, ce.Defresult, unnest))
		}
		b.WriteString(" END")
		return b.String()

	case *pg_query.Node_TypeCast:
		return "CAST(" + a.expr(lvl, v.TypeCast.Arg, unnest) + " AS " + typeName(v.TypeCast.TypeName) + ")"

	case *pg_query.Node_SubLink:
		return a.subLink(lvl, v.SubLink, unnest)

	case *pg_query.Node_List:
		return "(" + a.list(lvl, v.List.Items, unnest) + ")"

	case *pg_query.Node_SortBy:
		sb := v.SortBy
		text := a.expr(lvl, sb.Node, unnest)
		switch sb.SortbyDir {
		case pg_query.SortByDir_SORTBY_ASC:
			text += " ASC"
		case pg_query.SortByDir_SORTBY_DESC:
			text += " DESC"
		}
		switch sb.SortbyNulls {
		case pg_query.SortByNulls_SORTBY_NULLS_FIRST:
			text += " NULLS FIRST"
		case pg_query.SortByNulls_SORTBY_NULLS_LAST:
			text += " NULLS LAST"
		}
		return text
	}
	return deparseExpr(n)
}

// operand renders n, parenthesized when it is itself an operator
// expression.
func (a *analyzer) operand(lvl *level, n *pg_query.Node, unnest bool) string {
	text := a.expr(lvl, n, unnest)
	switch v := n.Node.(type) {
	case *pg_query.Node_AExpr:
		if v.AExpr.Lexpr != nil && v.AExpr.Kind != pg_query.A_Expr_Kind_AEXPR_NULLIF {
			return "(" + text + ")"
		}
	case *pg_query.Node_BoolExpr:
		if v.BoolExpr.Boolop != pg_query.BoolExprType_NOT_EXPR {
			return "(" + text + ")"
		}
	case *pg_query.Node_NullTest:
		return "(" + text + ")"
	case *pg_query.Node_SubLink:
		if !sqltext.IsAtomic(text) {
			return "(" + text + ")"
		}
	}
	return text
}

func (a *analyzer) list(lvl *level, nodes []*pg_query.Node, unnest bool) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = a.expr(lvl, n, unnest)
	}
	return strings.Join(parts, ", ")
}

func (a *analyzer) columnRef(lvl *level, cr *pg_query.ColumnRef) string {
	parts := make([]string, 0, len(cr.Fields))
	for _, f := range cr.Fields {
		if s := f.GetString_(); s != nil {
			parts = append(parts, core.QuoteIdent(s.Sval))
		} else if f.GetAStar() != nil {
			parts = append(parts, "*")
		}
	}
	if len(parts) == 1 && parts[0] != "*" {
		if b := a.qualify(lvl, nodeNames(cr.Fields)[0]); b != nil {
			return core.QuoteQualified(b.Alias) + "." + parts[0]
		}
	}
	return strings.Join(parts, ".")
}

func (a *analyzer) funcCall(lvl *level, fc *pg_query.FuncCall, unnest bool) string {
	if field, ok := extractField(fc); ok {
		return "EXTRACT(" + field + " FROM " + a.expr(lvl, fc.Args[1], unnest) + ")"
	}
	var b strings.Builder
	b.WriteString(upper.String(funcName(fc)))
	b.WriteString("(")
	switch {
	case fc.AggStar:
		b.WriteString("*")
	default:
		if fc.AggDistinct {
			b.WriteString("DISTINCT ")
		}
		b.WriteString(a.list(lvl, fc.Args, unnest))
		if len(fc.AggOrder) > 0 && !fc.AggWithinGroup {
			b.WriteString(" ORDER BY " + a.list(lvl, fc.AggOrder, unnest))
		}
	}
	b.WriteString(")")
	if len(fc.AggOrder) > 0 && fc.AggWithinGroup {
		b.WriteString(" WITHIN GROUP (ORDER BY " + a.list(lvl, fc.AggOrder, unnest) + ")")
	}
	if fc.AggFilter != nil {
		b.WriteString(" FILTER (WHERE " + a.expr(lvl, fc.AggFilter, unnest) + ")")
	}
	if w := fc.Over; w != nil {
		b.WriteString(" OVER ")
		if w.Name != "" && len(w.PartitionClause) == 0 && len(w.OrderClause) == 0 {
			b.WriteString(core.QuoteIdent(w.Name))
		} else {
			var parts []string
			if w.Refname != "" {
				parts = append(parts, core.QuoteIdent(w.Refname))
			}
			if len(w.PartitionClause) > 0 {
				parts = append(parts, "PARTITION BY "+a.list(lvl, w.PartitionClause, unnest))
			}
			if len(w.OrderClause) > 0 {
				parts = append(parts, "ORDER BY "+a.list(lvl, w.OrderClause, unnest))
			}
			b.WriteString("(" + strings.Join(parts, " ") + ")")
		}
	}
	return b.String()
}

// extractField returns the field of an EXTRACT(field FROM source) call,
// which the parser stores as extract('field', source).
func extractField(fc *pg_query.FuncCall) (string, bool) {
	if funcName(fc) != "extract" || len(fc.Args) != 2 || fc.Over != nil {
		return "", false
	}
	c := fc.Args[0].GetAConst()
	if c == nil {
		return "", false
	}
	sv, ok := c.Val.(*pg_query.A_Const_Sval)
	if !ok || sv.Sval.Sval == "" {
		return "", false
	}
	return upper.String(sv.Sval.Sval), true
}

func (a *analyzer) aExpr(lvl *level, ae *pg_query.A_Expr, unnest bool) string {
	op := opName(ae.Name)
	left := func() string { return a.operand(lvl, ae.Lexpr, unnest) }
	right := func() string { return a.operand(lvl, ae.Rexpr, unnest) }

	switch ae.Kind {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		if ae.Lexpr == nil {
			return op + " " + right()
		}
		return left() + " " + op + " " + right()
	case pg_query.A_Expr_Kind_AEXPR_OP_ANY:
		return left() + " " + op + " ANY(" + a.expr(lvl, ae.Rexpr, unnest) + ")"
	case pg_query.A_Expr_Kind_AEXPR_OP_ALL:
		return left() + " " + op + " ALL(" + a.expr(lvl, ae.Rexpr, unnest) + ")"
	case pg_query.A_Expr_Kind_AEXPR_DISTINCT:
		return left() + " IS DISTINCT FROM " + right()
	case pg_query.A_Expr_Kind_AEXPR_NOT_DISTINCT:
		return left() + " IS NOT DISTINCT FROM " + right()
	case pg_query.A_Expr_Kind_AEXPR_NULLIF:
		return "NULLIF(" + a.expr(lvl, ae.Lexpr, unnest) + ", " + a.expr(lvl, ae.Rexpr, unnest) + ")"
	case pg_query.A_Expr_Kind_AEXPR_IN:
		kw := " IN "
		if op == "<>" {
			kw = " NOT IN "
		}
		return left() + kw + a.expr(lvl, ae.Rexpr, unnest)
	case pg_query.A_Expr_Kind_AEXPR_LIKE, pg_query.A_Expr_Kind_AEXPR_ILIKE:
		kw := "LIKE"
		if ae.Kind == pg_query.A_Expr_Kind_AEXPR_ILIKE {
			kw = "ILIKE"
		}
		if strings.HasPrefix(op, "!") {
			kw = "NOT " + kw
		}
		return left() + " " + kw + " " + right()
	case pg_query.A_Expr_Kind_AEXPR_BETWEEN, pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN:
		list := ae.Rexpr.GetList()
		if list == nil || len(list.Items) != 2 {
			break
		}
		kw := " BETWEEN "
		if ae.Kind == pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN {
			kw = " NOT BETWEEN "
		}
		return left() + kw + a.operand(lvl, list.Items[0], unnest) + " AND " + a.operand(lvl, list.Items[1], unnest)
	}
	return deparseExpr(&pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: ae}})
}

func (a *analyzer) subLink(lvl *level, sl *pg_query.SubLink, unnest bool) string {
	if unnest && a.quiet == 0 {
		if text, ok := a.unnest(lvl, sl); ok {
			return text
		}
	}
	sel := sl.Subselect.GetSelectStmt()
	if sel == nil {
		return deparseExpr(&pg_query.Node{Node: &pg_query.Node_SubLink{SubLink: sl}})
	}
	inner := "(" + a.printSelect(lvl, sel) + ")"
	switch sl.SubLinkType {
	case pg_query.SubLinkType_EXISTS_SUBLINK:
		return "EXISTS " + inner
	case pg_query.SubLinkType_ANY_SUBLINK:
		op := opName(sl.OperName)
		if op == "" || op == "?" || op == "=" {
			return a.operand(lvl, sl.Testexpr, false) + " IN " + inner
		}
		return a.operand(lvl, sl.Testexpr, false) + " " + op + " ANY " + inner
	case pg_query.SubLinkType_ALL_SUBLINK:
		return a.operand(lvl, sl.Testexpr, false) + " " + opName(sl.OperName) + " ALL " + inner
	case pg_query.SubLinkType_ARRAY_SUBLINK:
		return "ARRAY" + inner
	}
	return inner
}

// printSelect renders a nested SELECT with its columns qualified against
// its own FROM list, so alias resolution can rebuild its scope from the
// text. The FROM items are bound quietly.
func (a *analyzer) printSelect(parent *level, sel *pg_query.SelectStmt) string {
	if sel.Op != pg_query.SetOperation_SETOP_NONE && sel.Op != pg_query.SetOperation_SET_OPERATION_UNDEFINED {
		return deparseSelect(sel)
	}
	if sel.WithClause != nil || len(sel.ValuesLists) > 0 {
		return deparseSelect(sel)
	}
	a.quiet++
	defer func() { a.quiet-- }()

	lvl := a.newLevel(parent, alias.NewScope(), true)
	a.bindFrom(lvl, sel.FromClause)

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(sel.DistinctClause) > 0 {
		b.WriteString("DISTINCT ")
	}
	targets := make([]string, 0, len(sel.TargetList))
	for _, t := range sel.TargetList {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		text := a.expr(lvl, rt.Val, false)
		if rt.Name != "" {
			text += " AS " + core.QuoteIdent(rt.Name)
		}
		targets = append(targets, text)
	}
	b.WriteString(strings.Join(targets, ", "))
	if len(sel.FromClause) > 0 {
		items := make([]string, len(sel.FromClause))
		for i, item := range sel.FromClause {
			items[i] = a.fromItem(lvl, item)
		}
		b.WriteString(" FROM " + strings.Join(items, ", "))
	}
	if sel.WhereClause != nil {
		b.WriteString(" WHERE " + a.expr(lvl, sel.WhereClause, false))
	}
	if len(sel.GroupClause) > 0 {
		b.WriteString(" GROUP BY " + a.list(lvl, sel.GroupClause, false))
	}
	if sel.HavingClause != nil {
		b.WriteString(" HAVING " + a.expr(lvl, sel.HavingClause, false))
	}
	if len(sel.SortClause) > 0 {
		b.WriteString(" ORDER BY " + a.list(lvl, sel.SortClause, false))
	}
	if sel.LimitCount != nil {
		b.WriteString(" LIMIT " + a.expr(lvl, sel.LimitCount, false))
	}
	if sel.LimitOffset != nil {
		b.WriteString(" OFFSET " + a.expr(lvl, sel.LimitOffset, false))
	}
	return b.String()
}

// fromItem renders a FROM item as "relation AS alias" or a join tree.
func (a *analyzer) fromItem(lvl *level, n *pg_query.Node) string {
	switch v := n.Node.(type) {
	case *pg_query.Node_RangeVar:
		rv := v.RangeVar
		text := core.QuoteQualified(relName(rv))
		if rv.Alias != nil && rv.Alias.Aliasname != "" {
			text += " AS " + core.QuoteIdent(rv.Alias.Aliasname)
		}
		return text
	case *pg_query.Node_RangeSubselect:
		rs := v.RangeSubselect
		text := "(" + deparseSelectNode(rs.Subquery) + ")"
		if rs.Lateral {
			text = "LATERAL " + text
		}
		if rs.Alias != nil {
			text += " AS " + core.QuoteIdent(rs.Alias.Aliasname)
		}
		return text
	case *pg_query.Node_JoinExpr:
		je := v.JoinExpr
		var kw string
		switch je.Jointype {
		case pg_query.JoinType_JOIN_LEFT:
			kw = "LEFT JOIN"
		case pg_query.JoinType_JOIN_RIGHT:
			kw = "RIGHT JOIN"
		case pg_query.JoinType_JOIN_FULL:
			kw = "FULL JOIN"
		default:
			kw = "JOIN"
			if je.Quals == nil && len(je.UsingClause) == 0 && !je.IsNatural {
				kw = "CROSS JOIN"
			}
		}
		if je.IsNatural {
			kw = "NATURAL " + kw
		}
		text := a.fromItem(lvl, je.Larg) + " " + kw + " " + a.fromItem(lvl, je.Rarg)
		if len(je.UsingClause) > 0 {
			cols := nodeNames(je.UsingClause)
			for i, c := range cols {
				cols[i] = core.QuoteIdent(c)
			}
			text += " USING (" + strings.Join(cols, ", ") + ")"
		} else if je.Quals != nil {
			text += " ON " + a.expr(lvl, je.Quals, false)
		}
		return text
	}
	return deparseFromItem(n)
}

// deparseExpr renders an expression through the PostgreSQL deparser by
// wrapping it in a one-column SELECT.
func deparseExpr(n *pg_query.Node) string {
	text := deparseSelect(&pg_query.SelectStmt{
		TargetList: []*pg_query.Node{{Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{Val: n}}}},
		Op:         pg_query.SetOperation_SETOP_NONE,
	})
	return strings.TrimPrefix(text, "SELECT ")
}

func deparseFromItem(n *pg_query.Node) string {
	text := deparseSelect(&pg_query.SelectStmt{
		TargetList: []*pg_query.Node{{Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{
			Val: &pg_query.Node{Node: &pg_query.Node_ColumnRef{ColumnRef: &pg_query.ColumnRef{
				Fields: []*pg_query.Node{{Node: &pg_query.Node_AStar{AStar: &pg_query.A_Star{}}}},
			}}},
		}}}},
		FromClause: []*pg_query.Node{n},
		Op:         pg_query.SetOperation_SETOP_NONE,
	})
	return strings.TrimPrefix(text, "SELECT * FROM ")
}

func deparseSelectNode(n *pg_query.Node) string {
	if sel := n.GetSelectStmt(); sel != nil {
		return deparseSelect(sel)
	}
	return "?"
}

// deparseSelect renders a SELECT through the PostgreSQL deparser. Failures
// yield "?" rather than an error: the text is informational.
func deparseSelect(sel *pg_query.SelectStmt) string {
	tree := &pg_query.ParseResult{Stmts: []*pg_query.RawStmt{{
		Stmt: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}},
	}}}
	text, err := pg_query.Deparse(tree)
	if err != nil {
		return "?"
	}
	return text
}
