package temptable

import (
	"strconv"
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// DefaultMaxDepth bounds nested temp table substitution.
const DefaultMaxDepth = 5

// Result is the outcome of backward resolution of one expression.
type Result struct {
	Expr        sqltext.Expr
	Extra       []core.ColumnRef
	Confidence  core.Confidence
	Diagnostics core.Diagnostics
	// Temps lists the descriptors traversed, as arena indexes in first-seen order.
	Temps []int
}

// Upstream returns the distinct references of the resolved text followed
// by the extra references.
func (r Result) Upstream() []core.ColumnRef {
	refs := append(append([]core.ColumnRef(nil), r.Expr.Refs...), r.Extra...)
	return core.DedupeRefs(refs)
}

type walk struct {
	conf     core.Confidence
	diags    core.Diagnostics
	extra    []core.ColumnRef
	temps    []int
	seen     map[int]bool
	reported map[string]bool
}

func (w *walk) once(key string, code core.Code, format string, args ...any) {
	if w.reported[key] {
		return
	}
	w.reported[key] = true
	w.diags.Add(code, format, args...)
}

func (w *walk) visit(idx int) {
	if !w.seen[idx] {
		w.seen[idx] = true
		w.temps = append(w.temps, idx)
	}
}

// Resolve replaces references to temp table columns visible as of asOf by
// the producing node's stored expression, recursively, until only physical
// columns remain or the depth bound is reached.
//
// A stored expression is resolved as of the node that produced it, so a
// lookup never sees a descriptor registered at or after the node asking.
// Names the registry knows but cannot see at that point, and names in the
// pg_temp schema that were never registered, are treated as external
// relations with an informational diagnostic.
func (r *Registry) Resolve(e sqltext.Expr, asOf int) Result {
	w := &walk{
		conf:     core.ConfidenceHigh,
		seen:     make(map[int]bool),
		reported: make(map[string]bool),
	}
	out := r.resolve(e, asOf, 0, nil, w)
	return Result{
		Expr:        out,
		Extra:       core.DedupeRefs(w.extra),
		Confidence:  w.conf,
		Diagnostics: w.diags,
		Temps:       w.temps,
	}
}

func (r *Registry) resolve(e sqltext.Expr, asOf, depth int, path []string, w *walk) sqltext.Expr {
	return sqltext.Substitute(e, func(_ int, ref core.ColumnRef) (sqltext.Expr, bool) {
		if ref.Relation == "" {
			return sqltext.Expr{}, false
		}
		name := tempName(ref.Relation)
		d, ok := r.Lookup(name, asOf)
		if !ok {
			if r.Known(name) || name != ref.Relation {
				w.once("unreg:"+name, core.CodeUnregisteredTempTable,
					"temp table %s is not registered as of node %d; treated as external", name, asOf)
			}
			return sqltext.Expr{}, false
		}
		w.visit(d.Index)

		key := normalize(d.Name) + "@" + strconv.Itoa(d.Index)
		for _, p := range path {
			if p == key {
				w.conf = core.ConfidenceLow
				w.once("cycle:"+key, core.CodeCycleDetected,
					"temp table reference cycle through %s; reference kept", d.Name)
				return sqltext.Expr{}, false
			}
		}
		if depth >= r.maxDepth {
			w.conf = core.ConfidenceLow
			w.once("depth:"+ref.String(), core.CodeDepthExceeded,
				"temp reference %s left unexpanded at depth bound %d", ref.String(), r.maxDepth)
			return sqltext.Expr{}, false
		}
		col, ok := d.Column(ref.Column)
		if !ok {
			w.conf = core.ConfidenceLow
			w.once("col:"+ref.String(), core.CodeUnknownColumn,
				"temp table %s has no column %s as of node %d", d.Name, core.QuoteIdent(ref.Column), asOf)
			return sqltext.Expr{}, false
		}
		if !col.HasLineage() {
			// Truncated and not refilled: the temp column is its own origin.
			return sqltext.Expr{}, false
		}

		w.conf = w.conf.Min(col.Confidence)
		next := append(append(make([]string, 0, len(path)+1), path...), key)
		for _, x := range col.Extra {
			sub := r.resolve(sqltext.RefExpr(x), col.DefinedAt, depth+1, next, w)
			w.extra = append(w.extra, sub.Refs...)
		}
		if col.Expr.Text == "" {
			return sqltext.Expr{}, false
		}
		inner := r.resolve(col.Expr, col.DefinedAt, depth+1, next, w)
		return inner.PrefixSlots(ref.Slot), true
	})
}

// tempName strips the pg_temp schema qualifier.
func tempName(relation string) string {
	lower := strings.ToLower(relation)
	if strings.HasPrefix(lower, "pg_temp.") {
		return relation[len("pg_temp."):]
	}
	return relation
}
