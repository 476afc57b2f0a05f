package segment

import "strings"

// Kind is the closed set of operation node kinds. Each variant carries only
// the fields relevant to it; the unexported method keeps the set closed.
type Kind interface {
	kind()
	// Name returns the variant name as used in output.
	Name() string
}

// Param is a declared procedure parameter.
type Param struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ProcedureStart is the synthetic first node of every procedure.
type ProcedureStart struct {
	Procedure string
	Params    []Param
}

// CreateTempTable creates a temp table, usually from a query.
type CreateTempTable struct {
	Table   string
	Columns []string
	// FromQuery is false for a bare column-list definition.
	FromQuery bool
}

// CreateTable creates a permanent table from a query.
type CreateTable struct {
	Table string
}

// Insert writes rows into Table.
type Insert struct {
	Table   string
	Columns []string
}

// Update rewrites columns of Table.
type Update struct {
	Table   string
	Columns []string
}

// Delete removes rows from Table.
type Delete struct {
	Table string
}

// Merge upserts Source into Table.
type Merge struct {
	Table  string
	Source string
}

// Truncate empties one or more tables.
type Truncate struct {
	Tables []string
}

// Drop removes one or more tables.
type Drop struct {
	Tables []string
}

// Select is a standalone query.
type Select struct{}

// Unknown is a statement that could not be classified.
type Unknown struct {
	Reason string
}

func (ProcedureStart) kind()  {}
func (CreateTempTable) kind() {}
func (CreateTable) kind()     {}
func (Insert) kind()          {}
func (Update) kind()          {}
func (Delete) kind()          {}
func (Merge) kind()           {}
func (Truncate) kind()        {}
func (Drop) kind()            {}
func (Select) kind()          {}
func (Unknown) kind()         {}

// Name implements Kind.
func (ProcedureStart) Name() string { return "ProcedureStart" }

// Name implements Kind.
func (CreateTempTable) Name() string { return "CreateTempTable" }

// Name implements Kind.
func (CreateTable) Name() string { return "CreateTable" }

// Name implements Kind.
func (Insert) Name() string { return "Insert" }

// Name implements Kind.
func (Update) Name() string { return "Update" }

// Name implements Kind.
func (Delete) Name() string { return "Delete" }

// Name implements Kind.
func (Merge) Name() string { return "Merge" }

// Name implements Kind.
func (Truncate) Name() string { return "Truncate" }

// Name implements Kind.
func (Drop) Name() string { return "Drop" }

// Name implements Kind.
func (Select) Name() string { return "Select" }

// Name implements Kind.
func (Unknown) Name() string { return "Unknown" }

// TargetOf returns the relation a kind writes to, or "" when it writes
// to no single relation.
func TargetOf(k Kind) string {
	switch v := k.(type) {
	case CreateTempTable:
		return v.Table
	case CreateTable:
		return v.Table
	case Insert:
		return v.Table
	case Update:
		return v.Table
	case Delete:
		return v.Table
	case Merge:
		return v.Table
	case Truncate:
		return strings.Join(v.Tables, ",")
	case Drop:
		return strings.Join(v.Tables, ",")
	default:
		return ""
	}
}
