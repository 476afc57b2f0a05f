package alias

import (
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// region is the text range of an inline subquery and the scope built from
// its FROM list.
type region struct {
	pos, end int
	scope    *Scope
}

// Resolve rewrites every alias-qualified column reference in e to its
// canonical relation, using the innermost scope that binds the qualifier.
//
// Inline subqueries in the text open child scopes of scope. References
// whose qualifier is bound nowhere are left as written, reported as
// UnresolvedAlias and lower the confidence. Each rewritten reference keeps
// the slot of the binding it went through.
func Resolve(scope *Scope, e sqltext.Expr) (sqltext.Expr, core.Confidence, core.Diagnostics) {
	if scope == nil {
		scope = NewScope()
	}
	toks := sqltext.Tokenize(e.Text)
	regions := subqueryRegions(scope, toks, 0, len(toks))

	var diags core.Diagnostics
	conf := core.ConfidenceHigh
	spans := sqltext.ScanRefs(e.Text)
	flagged := make(map[string]bool)

	out := sqltext.Substitute(e, func(i int, ref core.ColumnRef) (sqltext.Expr, bool) {
		if ref.Relation == "" {
			return sqltext.Expr{}, false
		}
		sc := scopeAt(scope, regions, spans[i].Pos)
		b, ok := sc.Lookup(ref.Relation)
		if !ok {
			if len(spans[i].Parts) > 2 {
				// Schema-qualified relation written out in full.
				return sqltext.Expr{}, false
			}
			if !flagged[ref.Relation] {
				flagged[ref.Relation] = true
				diags.Add(core.CodeUnresolvedAlias, "no binding for alias %q in %s", ref.Relation, ref.String())
			}
			conf = core.ConfidenceLow
			return sqltext.Expr{}, false
		}
		resolved := core.ColumnRef{Relation: b.Relation, Column: ref.Column, Slot: b.Slot}
		if ref.Slot != "" {
			resolved.Slot = ref.Slot
		}
		return sqltext.RefExpr(resolved), true
	})
	return out, conf, diags
}

// scopeAt returns the innermost scope whose region contains pos.
func scopeAt(root *Scope, regions []region, pos int) *Scope {
	sc := root
	best := -1
	for _, r := range regions {
		if pos >= r.pos && pos < r.end && r.pos > best {
			sc = r.scope
			best = r.pos
		}
	}
	return sc
}

// subqueryRegions finds every parenthesized SELECT between toks[from] and
// toks[to] and builds a child scope of parent for each, recursively.
func subqueryRegions(parent *Scope, toks []sqltext.Token, from, to int) []region {
	var out []region
	for i := from; i < to; i++ {
		if toks[i].Type != sqltext.TOKEN_LPAREN || i+1 >= to {
			continue
		}
		next := toks[i+1].Type
		if next != sqltext.TOKEN_SELECT && next != sqltext.TOKEN_WITH {
			continue
		}
		end := sqltext.MatchParen(toks, i)
		if end < 0 {
			end = to - 1
		}
		child := parent.Child()
		bindSubquery(child, toks, i+1, end)
		out = append(out, region{pos: toks[i].Pos, end: toks[end].End, scope: child})
		out = append(out, subqueryRegions(child, toks, i+1, end)...)
		i = end
	}
	return out
}

// bindSubquery binds the FROM list of the query spanning toks[from:to] at
// its top parenthesis depth.
func bindSubquery(scope *Scope, toks []sqltext.Token, from, to int) {
	for i := from; i < to; i++ {
		switch toks[i].Type {
		case sqltext.TOKEN_LPAREN:
			if end := sqltext.MatchParen(toks, i); end > 0 {
				i = end
			}
		case sqltext.TOKEN_FROM:
			if i > from && toks[i-1].IsBare("distinct") {
				continue
			}
			i = bindFromList(scope, toks, i+1) - 1
		}
	}
}
