package pgsql

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/cte"
	"github.com/leapstack-labs/proclineage/pkg/segment"
)

func (a *analyzer) bindFrom(lvl *level, items []*pg_query.Node) {
	for _, item := range items {
		a.bindFromItem(lvl, item)
	}
}

// bindFromItem binds one FROM item and returns the first binding it made.
func (a *analyzer) bindFromItem(lvl *level, n *pg_query.Node) *alias.Binding {
	if n == nil {
		return nil
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_RangeVar:
		return a.bindRelation(lvl, v.RangeVar)

	case *pg_query.Node_RangeSubselect:
		return a.bindDerived(lvl, v.RangeSubselect)

	case *pg_query.Node_JoinExpr:
		je := v.JoinExpr
		left := a.bindFromItem(lvl, je.Larg)
		a.bindFromItem(lvl, je.Rarg)
		if left != nil {
			for _, col := range nodeNames(je.UsingClause) {
				lvl.using[strings.ToLower(col)] = left
			}
		}
		return left

	case *pg_query.Node_RangeFunction:
		rf := v.RangeFunction
		name := "function"
		if len(rf.Functions) > 0 {
			if list := rf.Functions[0].GetList(); list != nil && len(list.Items) > 0 {
				if fc := list.Items[0].GetFuncCall(); fc != nil {
					name = funcName(fc)
				}
			}
		}
		aliasName := name
		var cols []string
		if rf.Alias != nil {
			aliasName = rf.Alias.Aliasname
			cols = nodeNames(rf.Alias.Colnames)
		}
		if cols == nil {
			cols = []string{aliasName}
		}
		b := lvl.scope.Bind(aliasName, strings.ToLower(name), alias.KindFunction)
		lvl.sources = append(lvl.sources, source{binding: b, columns: cols})
		return b
	}
	return nil
}

// bindRelation binds a table or CTE reference.
func (a *analyzer) bindRelation(lvl *level, rv *pg_query.RangeVar) *alias.Binding {
	if rv == nil {
		return nil
	}
	var aliasName string
	if rv.Alias != nil {
		aliasName = rv.Alias.Aliasname
	}

	if rv.Schemaname == "" {
		if def, ok := lvl.lookupCTE(rv.Relname); ok {
			if aliasName == "" {
				aliasName = rv.Relname
			}
			b := lvl.scope.Bind(aliasName, def.Name, alias.KindCTE)
			lvl.sources = append(lvl.sources, source{binding: b, columns: definitionColumns(def)})
			return b
		}
	}

	rel := relName(rv)
	a.addSource(rel)
	b := lvl.scope.Bind(aliasName, rel, alias.KindTable)
	src := source{binding: b}
	if a.cat != nil {
		if cols, ok := a.cat.Columns(rel); ok {
			src.columns = cols
		}
	}
	lvl.sources = append(lvl.sources, src)
	return b
}

// bindDerived turns a subquery in FROM into a derived definition bound
// under its alias.
func (a *analyzer) bindDerived(lvl *level, rs *pg_query.RangeSubselect) *alias.Binding {
	sel := rs.Subquery.GetSelectStmt()
	aliasName := "subquery"
	if rs.Alias != nil && rs.Alias.Aliasname != "" {
		aliasName = rs.Alias.Aliasname
	}
	def := &cte.Definition{Name: a.uniqueName(aliasName)}
	if sel != nil {
		body := a.newLevel(lvl, lvl.scope.Child(), rs.Lateral)
		_, outputs := a.selectInto(body, sel)
		if rs.Alias != nil {
			outputs = rename(outputs, nodeNames(rs.Alias.Colnames))
		}
		for _, o := range outputs {
			def.Columns = append(def.Columns, cte.Column{Name: o.Column, Expr: o.Expr})
		}
		def.Scope = body.scope
		def.SQL = deparseSelect(sel)
	}
	a.define(def)

	b := lvl.scope.Bind(aliasName, def.Name, alias.KindDerived)
	lvl.sources = append(lvl.sources, source{binding: b, columns: definitionColumns(def)})
	return b
}

func definitionColumns(def *cte.Definition) []string {
	if len(def.Columns) == 0 {
		return nil
	}
	cols := make([]string, len(def.Columns))
	for i, c := range def.Columns {
		cols[i] = c.Name
	}
	return cols
}

// qualify finds the binding an unqualified column belongs to: a single
// catalog match in the innermost level that has one, else the only
// source of unknown shape, else an enclosing level for correlated
// subqueries. It returns nil when the column cannot be placed.
func (a *analyzer) qualify(lvl *level, col string) *alias.Binding {
	key := strings.ToLower(col)
	for l := lvl; l != nil; l = l.parent {
		if b, ok := l.using[key]; ok {
			return b
		}
		var matches, unknown []*alias.Binding
		for _, s := range l.sources {
			switch {
			case s.columns == nil:
				unknown = append(unknown, s.binding)
			case s.has(col):
				matches = append(matches, s.binding)
			}
		}
		switch {
		case len(matches) == 1:
			return matches[0]
		case len(matches) > 1:
			a.once("ambiguous:"+key, core.CodeAmbiguousColumn,
				"column %s is ambiguous between %s and %s", col, matches[0].Alias, matches[1].Alias)
			return matches[0]
		case len(unknown) == 1:
			return unknown[0]
		case len(unknown) > 1:
			a.once("unplaced:"+key, core.CodeAmbiguousColumn,
				"column %s could belong to any of %d relations with unknown columns", col, len(unknown))
			return nil
		}
		if !l.correlate {
			break
		}
	}
	// Every visible relation has known columns and none has this one.
	if len(lvl.sources) > 0 {
		a.once("unknown:"+key, core.CodeUnknownColumn, "column %s is not a column of any visible relation", col)
	}
	return nil
}

// levelOf returns the level whose FROM clause a column reference resolves
// in, or nil when it resolves nowhere.
func (a *analyzer) levelOf(lvl *level, cr *pg_query.ColumnRef) *level {
	parts := nodeNames(cr.Fields)
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 {
		b := a.qualify(lvl, parts[0])
		if b == nil {
			return nil
		}
		for l := lvl; l != nil; l = l.parent {
			for _, s := range l.sources {
				if s.binding == b {
					return l
				}
			}
		}
		return nil
	}
	qualifier := strings.Join(parts[:len(parts)-1], ".")
	for l := lvl; l != nil; l = l.parent {
		for _, s := range l.sources {
			if strings.EqualFold(s.binding.Alias, qualifier) || strings.EqualFold(s.binding.Relation, qualifier) {
				return l
			}
		}
	}
	return nil
}

func isStar(cr *pg_query.ColumnRef) bool {
	if len(cr.Fields) == 0 {
		return false
	}
	return cr.Fields[len(cr.Fields)-1].GetAStar() != nil
}

// expandStar expands * or alias.* into one output per known column.
func (a *analyzer) expandStar(lvl *level, cr *pg_query.ColumnRef) []segment.Output {
	qualifier := strings.Join(nodeNames(cr.Fields), ".")
	var out []segment.Output
	for _, s := range lvl.sources {
		if qualifier != "" && !strings.EqualFold(s.binding.Alias, qualifier) && !strings.EqualFold(s.binding.Relation, qualifier) {
			continue
		}
		if s.columns == nil {
			a.once("star:"+s.binding.Alias, core.CodeUnknownColumn,
				"cannot expand * over %s: its columns are unknown", s.binding.Relation)
			continue
		}
		for _, col := range s.columns {
			out = append(out, segment.Output{
				Column: col,
				Expr:   refText(s.binding.Alias, col),
			})
		}
	}
	return out
}

// outputName is the column name PostgreSQL gives an unaliased target.
func outputName(n *pg_query.Node) string {
	switch v := n.Node.(type) {
	case *pg_query.Node_ColumnRef:
		parts := nodeNames(v.ColumnRef.Fields)
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
	case *pg_query.Node_FuncCall:
		return strings.ToLower(funcName(v.FuncCall))
	case *pg_query.Node_CoalesceExpr:
		return "coalesce"
	case *pg_query.Node_MinMaxExpr:
		if v.MinMaxExpr.Op == pg_query.MinMaxOp_IS_LEAST {
			return "least"
		}
		return "greatest"
	case *pg_query.Node_CaseExpr:
		return "case"
	case *pg_query.Node_TypeCast:
		if name := outputName(v.TypeCast.Arg); name != "?column?" {
			return name
		}
		if tn := v.TypeCast.TypeName; tn != nil && len(tn.Names) > 0 {
			names := nodeNames(tn.Names)
			return names[len(names)-1]
		}
	case *pg_query.Node_SubLink:
		if v.SubLink.SubLinkType == pg_query.SubLinkType_EXISTS_SUBLINK {
			return "exists"
		}
		if sel := v.SubLink.Subselect.GetSelectStmt(); sel != nil && len(sel.TargetList) == 1 {
			if rt := sel.TargetList[0].GetResTarget(); rt != nil {
				if rt.Name != "" {
					return rt.Name
				}
				return outputName(rt.Val)
			}
		}
	}
	return "?column?"
}
