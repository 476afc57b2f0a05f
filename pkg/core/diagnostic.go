package core

import (
	"fmt"
	"strings"
)

// Code classifies a diagnostic.
type Code string

// Diagnostic codes. Only UnknownDialect and EmptyProcedure are fatal.
const (
	CodeParseFailure          Code = "ParseFailure"
	CodeUnresolvedAlias       Code = "UnresolvedAlias"
	CodeCycleDetected         Code = "CycleDetected"
	CodeDepthExceeded         Code = "DepthExceeded"
	CodeUnregisteredTempTable Code = "UnregisteredTempTable"
	CodeUnknownColumn         Code = "UnknownColumn"
	CodeAmbiguousColumn       Code = "AmbiguousColumn"
	CodeAmbiguousCorrelation  Code = "AmbiguousCorrelation"
	CodeUnsupported           Code = "Unsupported"
	CodeUnknownDialect        Code = "UnknownDialect"
	CodeEmptyProcedure        Code = "EmptyProcedure"
	CodeGraphCycle            Code = "GraphCycle"
)

// DefaultSeverity returns the severity a code is reported with.
func (c Code) DefaultSeverity() Severity {
	switch c {
	case CodeUnknownDialect, CodeEmptyProcedure, CodeGraphCycle:
		return SeverityError
	case CodeUnregisteredTempTable, CodeUnsupported:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// NoNode marks a diagnostic that is not attached to an operation node.
const NoNode = -1

// Diagnostic is one non-fatal (or fatal, top-level) finding produced while
// building lineage. Diagnostics are returned by value from every resolution
// call instead of being written to a shared logger.
type Diagnostic struct {
	Code     Code     `json:"code" yaml:"code"`
	Severity Severity `json:"severity" yaml:"severity"`
	NodeID   int      `json:"node_id" yaml:"node_id"`
	Column   string   `json:"column,omitempty" yaml:"column,omitempty"`
	Message  string   `json:"message" yaml:"message"`
}

// NewDiagnostic creates a diagnostic with the code's default severity and no node.
func NewDiagnostic(code Code, format string, args ...any) Diagnostic {
	return Diagnostic{
		Code:     code,
		Severity: code.DefaultSeverity(),
		NodeID:   NoNode,
		Message:  fmt.Sprintf(format, args...),
	}
}

// At returns a copy of d attached to a node and column.
func (d Diagnostic) At(nodeID int, column string) Diagnostic {
	d.NodeID = nodeID
	if column != "" {
		d.Column = column
	}
	return d
}

// String renders the diagnostic on one line.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Severity.String())
	b.WriteString(" ")
	b.WriteString(string(d.Code))
	if d.NodeID != NoNode {
		fmt.Fprintf(&b, " node=%d", d.NodeID)
	}
	if d.Column != "" {
		fmt.Fprintf(&b, " column=%s", d.Column)
	}
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// IsFatal reports whether the diagnostic emptied the result.
func (d Diagnostic) IsFatal() bool {
	return d.Severity == SeverityError
}

// Diagnostics is an ordered list of diagnostics.
type Diagnostics []Diagnostic

// Add appends a diagnostic built from a code and message.
func (ds *Diagnostics) Add(code Code, format string, args ...any) {
	*ds = append(*ds, NewDiagnostic(code, format, args...))
}

// Has reports whether any diagnostic carries the code.
func (ds Diagnostics) Has(code Code) bool {
	for _, d := range ds {
		if d.Code == code {
			return true
		}
	}
	return false
}

// Count returns the number of diagnostics with the given code.
func (ds Diagnostics) Count(code Code) int {
	n := 0
	for _, d := range ds {
		if d.Code == code {
			n++
		}
	}
	return n
}

// Attach sets the node and column on every diagnostic that has none.
func (ds Diagnostics) Attach(nodeID int, column string) Diagnostics {
	out := make(Diagnostics, len(ds))
	for i, d := range ds {
		if d.NodeID == NoNode {
			d.NodeID = nodeID
		}
		if d.Column == "" {
			d.Column = column
		}
		out[i] = d
	}
	return out
}
