package pgsql

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/leapstack-labs/proclineage/pkg/segment"
)

// Statement is one parsed PostgreSQL statement.
type Statement struct {
	sql         string
	node        *pg_query.Node
	kind        segment.Kind
	fingerprint string
}

var _ segment.Statement = (*Statement)(nil)

// Kind implements segment.Statement.
func (s *Statement) Kind() segment.Kind { return s.kind }

// SQL implements segment.Statement.
func (s *Statement) SQL() string { return s.sql }

// Fingerprint implements segment.Statement. Statements that differ only in
// literal values share a fingerprint.
func (s *Statement) Fingerprint() string { return s.fingerprint }

// Analyze implements segment.Statement. Each call works on a fresh
// analysis state, so repeated calls give identical results.
func (s *Statement) Analyze(cat segment.Catalog) (*segment.Analysis, error) {
	return newAnalyzer(cat).statement(s.node)
}

// classify maps a statement to its node kind from the parse tree.
func classify(node *pg_query.Node) segment.Kind {
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		into := n.SelectStmt.IntoClause
		if into != nil && into.Rel != nil && isTemp(into.Rel) {
			return segment.CreateTempTable{Table: relName(into.Rel), Columns: nodeNames(into.ColNames), FromQuery: true}
		}
		// Outside of a temp target, PL/pgSQL reads SELECT ... INTO as a
		// variable assignment.
		return segment.Select{}

	case *pg_query.Node_CreateTableAsStmt:
		st := n.CreateTableAsStmt
		if st.Objtype != pg_query.ObjectType_OBJECT_TABLE || st.Into == nil || st.Into.Rel == nil {
			return segment.Unknown{Reason: "CREATE " + strings.ToLower(objectName(st.Objtype)) + " AS"}
		}
		if isTemp(st.Into.Rel) {
			return segment.CreateTempTable{Table: relName(st.Into.Rel), Columns: nodeNames(st.Into.ColNames), FromQuery: true}
		}
		return segment.CreateTable{Table: relName(st.Into.Rel)}

	case *pg_query.Node_CreateStmt:
		st := n.CreateStmt
		if st.Relation == nil {
			return segment.Unknown{Reason: "CREATE TABLE without relation"}
		}
		if !isTemp(st.Relation) {
			return segment.CreateTable{Table: relName(st.Relation)}
		}
		var cols []string
		for _, elt := range st.TableElts {
			if def := elt.GetColumnDef(); def != nil {
				cols = append(cols, def.Colname)
			}
		}
		return segment.CreateTempTable{Table: relName(st.Relation), Columns: cols}

	case *pg_query.Node_InsertStmt:
		st := n.InsertStmt
		return segment.Insert{Table: relName(st.Relation), Columns: resTargetNames(st.Cols)}

	case *pg_query.Node_UpdateStmt:
		st := n.UpdateStmt
		return segment.Update{Table: relName(st.Relation), Columns: resTargetNames(st.TargetList)}

	case *pg_query.Node_DeleteStmt:
		return segment.Delete{Table: relName(n.DeleteStmt.Relation)}

	case *pg_query.Node_MergeStmt:
		st := n.MergeStmt
		return segment.Merge{Table: relName(st.Relation), Source: fromItemName(st.SourceRelation)}

	case *pg_query.Node_TruncateStmt:
		var tables []string
		for _, rel := range n.TruncateStmt.Relations {
			if rv := rel.GetRangeVar(); rv != nil {
				tables = append(tables, relName(rv))
			}
		}
		return segment.Truncate{Tables: tables}

	case *pg_query.Node_DropStmt:
		st := n.DropStmt
		if st.RemoveType != pg_query.ObjectType_OBJECT_TABLE {
			return segment.Unknown{Reason: "DROP " + strings.ToLower(objectName(st.RemoveType))}
		}
		var tables []string
		for _, obj := range st.Objects {
			list := obj.GetList()
			if list == nil {
				continue
			}
			parts := nodeNames(list.Items)
			if len(parts) > 1 && strings.EqualFold(parts[0], "pg_temp") {
				parts = parts[1:]
			}
			tables = append(tables, strings.Join(parts, "."))
		}
		return segment.Drop{Tables: tables}
	}
	return segment.Unknown{Reason: "unsupported statement " + stmtType(node)}
}

func isTemp(rv *pg_query.RangeVar) bool {
	return rv.Relpersistence == "t" || strings.EqualFold(rv.Schemaname, "pg_temp")
}

// relName renders a relation as schema.name; temp relations drop the
// pg_temp schema.
func relName(rv *pg_query.RangeVar) string {
	if rv == nil {
		return ""
	}
	if rv.Schemaname == "" || strings.EqualFold(rv.Schemaname, "pg_temp") {
		return rv.Relname
	}
	return rv.Schemaname + "." + rv.Relname
}

// fromItemName names a FROM item: a relation or the alias of a subquery.
func fromItemName(n *pg_query.Node) string {
	if n == nil {
		return ""
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_RangeVar:
		return relName(v.RangeVar)
	case *pg_query.Node_RangeSubselect:
		if v.RangeSubselect.Alias != nil {
			return v.RangeSubselect.Alias.Aliasname
		}
	}
	return ""
}

// nodeNames collects the String values of a node list.
func nodeNames(nodes []*pg_query.Node) []string {
	var out []string
	for _, n := range nodes {
		if s := n.GetString_(); s != nil {
			out = append(out, s.Sval)
		}
	}
	return out
}

func resTargetNames(nodes []*pg_query.Node) []string {
	var out []string
	for _, n := range nodes {
		if rt := n.GetResTarget(); rt != nil && rt.Name != "" {
			out = append(out, rt.Name)
		}
	}
	return out
}

func objectName(t pg_query.ObjectType) string {
	return strings.ReplaceAll(strings.TrimPrefix(t.String(), "OBJECT_"), "_", " ")
}

// stmtType names the statement node type, e.g. "IndexStmt".
func stmtType(node *pg_query.Node) string {
	if node == nil || node.Node == nil {
		return "statement"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", node.Node), "*pg_query.Node_")
}
