package segment

import (
	"errors"

	"github.com/leapstack-labs/proclineage/pkg/alias"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/cte"
	"github.com/leapstack-labs/proclineage/pkg/sqltext"
)

// ErrUnsupported marks a statement the parser recognizes as procedural
// (RAISE, RETURN, assignments) rather than malformed.
var ErrUnsupported = errors.New("unsupported procedural statement")

// Procedure is a parsed procedure header.
type Procedure struct {
	Name     string
	Params   []Param
	Body     string
	Language string
}

// Parser is the dialect-specific parsing collaborator.
type Parser interface {
	// Procedure extracts the header and body of a procedure definition.
	// It returns nil without error when text is a plain script.
	Procedure(text string) (*Procedure, error)
	// Split divides a body into top-level statements.
	Split(body string) ([]string, error)
	// Parse parses one statement. Errors wrapping ErrUnsupported mark
	// procedural statements.
	Parse(sql string) (Statement, error)
}

// Catalog resolves a relation to its ordered column names.
type Catalog interface {
	Columns(relation string) ([]string, bool)
}

// Statement is a parsed statement handle owned by one node.
type Statement interface {
	Kind() Kind
	SQL() string
	Fingerprint() string
	// Analyze qualifies and optimizes the statement against cat and
	// returns its output columns with their defining expressions.
	Analyze(cat Catalog) (*Analysis, error)
}

// Output is one written or selected column and its defining expression,
// still qualified by the statement's aliases.
type Output struct {
	Column string
	Expr   sqltext.Expr
}

// Analysis is the optimized, qualified form of one statement.
type Analysis struct {
	Outputs []Output
	// Scope holds the statement's top-level alias bindings.
	Scope *alias.Scope
	// CTEs are all CTEs visible in the optimized form, including synthetic
	// ones from subquery unnesting and derived tables.
	CTEs []*cte.Definition
	// Sources are the relations the statement reads, canonical names.
	Sources     []string
	Diagnostics core.Diagnostics
}
