// Package state persists lineage graphs in SQLite so runs can be listed,
// compared and queried after the fact.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/core"
)

// Sentinel errors.
var (
	// ErrNotOpen is returned when the store is used before Open.
	ErrNotOpen = errors.New("database not opened")
	// ErrRunNotFound is returned for an unknown run ID.
	ErrRunNotFound = errors.New("run not found")
)

// Store persists analysis runs.
type Store interface {
	Open(path string) error
	Close() error
	Migrate() error

	SaveGraph(ctx context.Context, g *assemble.Graph, meta RunMeta) (*Run, error)
	ListRuns(ctx context.Context, procedure string, limit int) ([]*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	GetGraph(ctx context.Context, id string) (*assemble.Graph, error)
	GetColumnLineage(ctx context.Context, runID, column string) ([]ColumnLineage, error)
	GetEdges(ctx context.Context, runID string) ([]assemble.Edge, error)
	GetDiagnostics(ctx context.Context, runID string) (core.Diagnostics, error)
	DeleteRun(ctx context.Context, id string) error
}

// RunMeta describes where a graph came from.
type RunMeta struct {
	Dialect string
	// Source is a file path or other label for the analyzed text.
	Source string
}

// Run is one stored analysis.
type Run struct {
	ID        string    `json:"id" yaml:"id"`
	Procedure string    `json:"procedure" yaml:"procedure"`
	Dialect   string    `json:"dialect,omitempty" yaml:"dialect,omitempty"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	NodeCount int       `json:"node_count" yaml:"node_count"`
	EdgeCount int       `json:"edge_count" yaml:"edge_count"`
	Fatal     bool      `json:"fatal" yaml:"fatal"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ColumnLineage is one stored lineage entry with the node that wrote it.
type ColumnLineage struct {
	RunID    string `json:"run_id" yaml:"run_id"`
	NodeID   int    `json:"node_id" yaml:"node_id"`
	NodeName string `json:"node_name" yaml:"node_name"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`

	core.Entry `json:",inline" yaml:",inline"`
}

// Qualified returns target.column, or the bare column for a SELECT.
func (c ColumnLineage) Qualified() string {
	if c.Target == "" {
		return c.Column
	}
	return c.Target + "." + c.Column
}

var _ Store = (*SQLiteStore)(nil)
