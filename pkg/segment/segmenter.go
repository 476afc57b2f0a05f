// Package segment splits a procedure or script into an ordered sequence of
// typed operation nodes.
package segment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/core"
)

// DefaultName names scripts that are not wrapped in a procedure definition.
const DefaultName = "script"

// Node is one operation of a procedure, fixed at segmentation.
type Node struct {
	ID          int
	Name        string
	Kind        Kind
	Text        string
	Stmt        Statement
	Target      string
	Diagnostics core.Diagnostics
}

// Segmenter turns procedure text into nodes using a Parser.
type Segmenter struct {
	parser Parser
}

// New creates a Segmenter.
func New(p Parser) *Segmenter {
	return &Segmenter{parser: p}
}

// Segment splits text into nodes. Node 0 is always the ProcedureStart node
// carrying the declared parameters. A statement that fails to parse becomes
// an Unknown node with a diagnostic, and segmentation continues.
//
// When the body yields no statements at all, Segment returns no nodes and
// a single fatal diagnostic.
func (s *Segmenter) Segment(name, text string) ([]*Node, core.Diagnostics) {
	proc, err := s.parser.Procedure(text)
	if err != nil || proc == nil {
		proc = &Procedure{Body: text}
	}
	if proc.Name == "" {
		proc.Name = name
	}
	if proc.Name == "" {
		proc.Name = DefaultName
	}

	var diags core.Diagnostics
	stmts, err := s.parser.Split(proc.Body)
	if err != nil {
		diags.Add(core.CodeEmptyProcedure, "procedure %s: body could not be split: %v", proc.Name, err)
		return nil, diags
	}
	stmts = nonEmpty(stmts)
	if len(stmts) == 0 {
		diags.Add(core.CodeEmptyProcedure, "procedure %s: body contains no statements", proc.Name)
		return nil, diags
	}

	base := nodeBase(proc.Name)
	nodes := make([]*Node, 0, len(stmts)+1)
	nodes = append(nodes, &Node{
		ID:   0,
		Name: base + "_start",
		Kind: ProcedureStart{Procedure: proc.Name, Params: proc.Params},
	})

	for i, sql := range stmts {
		id := i + 1
		n := &Node{
			ID:   id,
			Name: fmt.Sprintf("%s_node_%d", base, id),
			Text: sql,
		}
		stmt, err := s.parser.Parse(sql)
		switch {
		case errors.Is(err, ErrUnsupported):
			n.Kind = Unknown{Reason: err.Error()}
			n.Diagnostics.Add(core.CodeUnsupported, "%v", err)
		case err != nil:
			n.Kind = Unknown{Reason: "parse failure"}
			n.Diagnostics.Add(core.CodeParseFailure, "%v", err)
		default:
			n.Stmt = stmt
			n.Kind = stmt.Kind()
			n.Target = TargetOf(n.Kind)
		}
		n.Diagnostics = n.Diagnostics.Attach(id, "")
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func nonEmpty(stmts []string) []string {
	out := stmts[:0]
	for _, s := range stmts {
		s = strings.TrimSpace(s)
		if s == "" || s == ";" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// nodeBase strips the schema from a procedure name for node naming.
func nodeBase(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}
