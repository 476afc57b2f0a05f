// Package lineage turns the text of a stored procedure or SQL script into
// a column-level lineage graph. It wires the dialect's parser, the
// statement segmenter and the graph assembler together.
package lineage

import (
	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/catalog"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/segment"
)

// Options configures an Analyzer.
type Options struct {
	// Dialect names the SQL dialect; empty selects DefaultDialect.
	Dialect string
	// MaxDepth bounds CTE and temp table substitution; zero selects 5.
	MaxDepth int
	// Catalog describes permanent relations for qualification, star
	// expansion and the copy check. It may be nil.
	Catalog catalog.Catalog
}

// Analyzer analyzes procedures. It is safe for concurrent use.
type Analyzer struct {
	opts      Options
	assembler *assemble.Assembler
}

// New creates an Analyzer.
func New(opts Options) *Analyzer {
	return &Analyzer{
		opts:      opts,
		assembler: assemble.New(assemble.Options{MaxDepth: opts.MaxDepth, Catalog: opts.Catalog}),
	}
}

// Analyze builds the lineage graph of one procedure. name is used when the
// text is a plain script rather than a procedure definition.
//
// An unknown dialect or a body without statements yields an empty graph
// with exactly one fatal diagnostic. Everything else is best effort.
func (a *Analyzer) Analyze(name, text string) *assemble.Graph {
	if name == "" {
		name = segment.DefaultName
	}
	parser, ok := LookupDialect(a.opts.Dialect)
	if !ok {
		return assemble.Empty(name, core.NewDiagnostic(core.CodeUnknownDialect,
			"unknown dialect %q", a.opts.Dialect))
	}

	nodes, diags := segment.New(parser).Segment(name, text)
	if len(nodes) == 0 {
		d := core.NewDiagnostic(core.CodeEmptyProcedure, "procedure %s has no statements", name)
		if len(diags) > 0 {
			d = diags[0]
		}
		return assemble.Empty(name, d)
	}
	return a.assembler.Assemble(nodes)
}

// Analyze is a convenience wrapper around New(opts).Analyze.
func Analyze(name, text string, opts Options) *assemble.Graph {
	return New(opts).Analyze(name, text)
}
