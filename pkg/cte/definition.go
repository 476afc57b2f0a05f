// Package cte expands references to common table expression columns into
// the expressions that define them.
package cte

import (
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// Column is one output column of a CTE and its defining expression, as
// written inside the CTE body (aliases not yet resolved).
type Column struct {
	Name string
	Expr sqltext.Expr
}

// Correlation records that key column Key of a synthetic CTE stands for a
// correlation predicate against the outer query column Outer.
type Correlation struct {
	Key   string
	Outer sqltext.Expr
}

// Definition is a CTE visible in one statement's optimized form: either
// written by the user, introduced for a derived table, or synthesized by
// subquery unnesting.
type Definition struct {
	Name         string
	Columns      []Column
	Synthetic    bool
	Correlations []Correlation
	SQL          string
	// Scope holds the alias bindings of the CTE body.
	Scope *alias.Scope
}

// Column returns the named output column.
func (d *Definition) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Correlation returns the correlation recorded for a key column.
func (d *Definition) Correlation(key string) (Correlation, bool) {
	for _, c := range d.Correlations {
		if strings.EqualFold(c.Key, key) {
			return c, true
		}
	}
	return Correlation{}, false
}

// IsKey reports whether column name is a grouping key of a synthetic CTE.
func (d *Definition) IsKey(name string) bool {
	if !d.Synthetic {
		return false
	}
	if _, ok := d.Correlation(name); ok {
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), "_u_")
}
