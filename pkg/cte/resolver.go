package cte

import (
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// DefaultMaxDepth bounds nested CTE substitution.
const DefaultMaxDepth = 5

// Result is the outcome of expanding one expression.
type Result struct {
	Expr sqltext.Expr
	// Extra holds upstream references implied by the expansion that do not
	// appear in the text, such as the outer column of a correlation key.
	Extra         []core.ColumnRef
	Confidence    core.Confidence
	Diagnostics   core.Diagnostics
	Substitutions int
}

// Upstream returns the distinct references of the expanded text followed
// by the extra references.
func (r Result) Upstream() []core.ColumnRef {
	refs := append(append([]core.ColumnRef(nil), r.Expr.Refs...), r.Extra...)
	return core.DedupeRefs(refs)
}

// Resolver expands references to CTE output columns.
type Resolver struct {
	maxDepth int
	defs     map[string]*Definition
	prepared map[string]prepared
}

// prepared is a CTE column expression with the CTE body's aliases resolved.
type prepared struct {
	expr  sqltext.Expr
	conf  core.Confidence
	diags core.Diagnostics
}

// NewResolver creates a resolver over the CTEs visible in one statement.
// A non-positive maxDepth selects DefaultMaxDepth.
func NewResolver(defs []*Definition, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	r := &Resolver{
		maxDepth: maxDepth,
		defs:     make(map[string]*Definition, len(defs)),
		prepared: make(map[string]prepared),
	}
	for _, d := range defs {
		r.defs[strings.ToLower(d.Name)] = d
	}
	return r
}

// MaxDepth returns the substitution depth bound.
func (r *Resolver) MaxDepth() int {
	return r.maxDepth
}

// Lookup returns the definition for a CTE name.
func (r *Resolver) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[strings.ToLower(name)]
	return d, ok
}

// expansion carries per-call state through the recursion.
type expansion struct {
	conf          core.Confidence
	diags         core.Diagnostics
	extra         []core.ColumnRef
	substitutions int
	reported      map[string]bool
	cycle         string
}

func (x *expansion) once(key string, code core.Code, format string, args ...any) {
	if x.reported[key] {
		return
	}
	x.reported[key] = true
	x.diags.Add(code, format, args...)
}

// Expand replaces every reference to a CTE column in e by the column's
// defining expression, re-scanning each substitution for further CTE
// references up to the depth bound.
//
// A reference still pointing at a CTE when the bound is reached is kept
// verbatim and the result is low confidence. A reference chain that
// returns to a CTE already on its path aborts the whole expansion: the
// original text is returned with a CycleDetected diagnostic.
func (r *Resolver) Expand(e sqltext.Expr) Result {
	x := &expansion{conf: core.ConfidenceHigh, reported: make(map[string]bool)}
	out, ok := r.expand(e, 0, nil, x)
	if !ok {
		diags := x.diags
		diags.Add(core.CodeCycleDetected, "CTE reference cycle through %s; expansion aborted", x.cycle)
		return Result{
			Expr:        e,
			Confidence:  core.ConfidenceLow,
			Diagnostics: diags,
		}
	}
	return Result{
		Expr:          out,
		Extra:         core.DedupeRefs(x.extra),
		Confidence:    x.conf,
		Diagnostics:   x.diags,
		Substitutions: x.substitutions,
	}
}

func (r *Resolver) expand(e sqltext.Expr, depth int, path []string, x *expansion) (sqltext.Expr, bool) {
	if len(r.defs) == 0 {
		return e, true
	}
	aborted := false
	out := sqltext.Substitute(e, func(_ int, ref core.ColumnRef) (sqltext.Expr, bool) {
		if aborted {
			return sqltext.Expr{}, false
		}
		def, ok := r.Lookup(ref.Relation)
		if !ok {
			return sqltext.Expr{}, false
		}
		for _, p := range path {
			if strings.EqualFold(p, def.Name) {
				aborted = true
				x.cycle = strings.Join(append(append([]string(nil), path...), def.Name), " -> ")
				return sqltext.Expr{}, false
			}
		}
		if depth >= r.maxDepth {
			x.conf = core.ConfidenceLow
			x.once("depth:"+ref.String(), core.CodeDepthExceeded,
				"reference %s left unexpanded at depth bound %d", ref.String(), r.maxDepth)
			return sqltext.Expr{}, false
		}
		col, ok := def.Column(ref.Column)
		if !ok {
			x.conf = core.ConfidenceLow
			x.once("col:"+ref.String(), core.CodeUnknownColumn,
				"CTE %s has no column %s", def.Name, core.QuoteIdent(ref.Column))
			return sqltext.Expr{}, false
		}

		r.checkCorrelation(def, col, x)

		p := r.prepare(def, col)
		x.conf = x.conf.Min(p.conf)
		for _, d := range p.diags {
			if !x.reported[d.String()] {
				x.reported[d.String()] = true
				x.diags = append(x.diags, d)
			}
		}
		x.substitutions++

		next := make([]string, len(path), len(path)+1)
		copy(next, path)
		inner, ok := r.expand(p.expr, depth+1, append(next, def.Name), x)
		if !ok {
			aborted = true
			return sqltext.Expr{}, false
		}
		return inner.PrefixSlots(ref.Slot), true
	})
	if aborted {
		return e, false
	}
	return out, true
}

// checkCorrelation maps a synthetic key column back to its correlation
// and lowers confidence when the mapping is not unambiguous.
func (r *Resolver) checkCorrelation(def *Definition, col Column, x *expansion) {
	if !def.Synthetic || (len(def.Correlations) == 0 && !def.IsKey(col.Name)) {
		return
	}
	if len(def.Correlations) > 1 {
		x.conf = core.ConfidenceLow
		x.once("corr:"+def.Name, core.CodeAmbiguousCorrelation,
			"%s correlates on %d columns; key mapping is ambiguous", def.Name, len(def.Correlations))
	}
	if !def.IsKey(col.Name) {
		return
	}
	corr, ok := def.Correlation(col.Name)
	if !ok {
		x.conf = core.ConfidenceLow
		x.once("key:"+def.Name+"."+col.Name, core.CodeAmbiguousCorrelation,
			"key %s.%s has no recorded correlation column", def.Name, col.Name)
		return
	}
	x.extra = append(x.extra, corr.Outer.Refs...)
}

// prepare resolves the CTE body's aliases in a column expression once.
func (r *Resolver) prepare(def *Definition, col Column) prepared {
	key := strings.ToLower(def.Name) + "." + strings.ToLower(col.Name)
	if p, ok := r.prepared[key]; ok {
		return p
	}
	p := prepared{expr: col.Expr, conf: core.ConfidenceHigh}
	if def.Scope != nil {
		p.expr, p.conf, p.diags = alias.Resolve(def.Scope, col.Expr)
	}
	r.prepared[key] = p
	return p
}
