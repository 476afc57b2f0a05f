package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/core"
)

func saveNodes(ctx context.Context, tx *sql.Tx, runID string, g *assemble.Graph) error {
	for _, n := range g.Nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (run_id, node_id, name, kind, target, fingerprint, sql_text)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, n.ID, n.Name, n.Kind, n.Target, n.Fingerprint, n.SQL,
		); err != nil {
			return fmt.Errorf("failed to insert node %d: %w", n.ID, err)
		}

		for i, e := range n.Columns {
			upstream, err := json.Marshal(e.Upstream)
			if err != nil {
				return fmt.Errorf("failed to encode upstream of %s: %w", e.Column, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO column_lineage
				 (run_id, node_id, target, column_name, position, transformation, is_direct_copy, confidence, upstream)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, n.ID, n.Target, e.Column, i, e.Transformation,
				boolInt(e.DirectCopy), e.Confidence.String(), string(upstream),
			); err != nil {
				return fmt.Errorf("failed to insert lineage for column %s: %w", e.Column, err)
			}
		}
	}
	return nil
}

func saveEdges(ctx context.Context, tx *sql.Tx, runID string, edges []assemble.Edge) error {
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges
			 (run_id, kind, from_node, from_relation, from_column, from_slot,
			  to_node, to_relation, to_column, to_slot, transformation)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, string(e.Kind), e.FromNode, e.From.Relation, e.From.Column, e.From.Slot,
			e.ToNode, e.To.Relation, e.To.Column, e.To.Slot, e.Transformation,
		); err != nil {
			return fmt.Errorf("failed to insert edge %s -> %s: %w", e.FromID(), e.ToID(), err)
		}
	}
	return nil
}

func saveDiagnostics(ctx context.Context, tx *sql.Tx, runID string, diags core.Diagnostics) error {
	for _, d := range diags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO diagnostics (run_id, node_id, code, severity, column_name, message)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, d.NodeID, string(d.Code), d.Severity.String(), d.Column, d.Message,
		); err != nil {
			return fmt.Errorf("failed to insert diagnostic %s: %w", d.Code, err)
		}
	}
	return nil
}

// GetColumnLineage returns the stored entries of a run in node order.
// column filters the result: "target.column" matches one written column,
// a bare name matches that column in any target, and "" returns all.
func (s *SQLiteStore) GetColumnLineage(ctx context.Context, runID, column string) ([]ColumnLineage, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	query := `SELECT l.node_id, n.name, l.target, l.column_name, l.transformation,
	                 l.is_direct_copy, l.confidence, l.upstream
	          FROM column_lineage l
	          JOIN nodes n ON n.run_id = l.run_id AND n.node_id = l.node_id
	          WHERE l.run_id = ?`
	args := []any{runID}
	if column != "" {
		if i := strings.LastIndexByte(column, '.'); i >= 0 {
			query += ` AND lower(l.target) = lower(?) AND lower(l.column_name) = lower(?)`
			args = append(args, column[:i], column[i+1:])
		} else {
			query += ` AND lower(l.column_name) = lower(?)`
			args = append(args, column)
		}
	}
	query += ` ORDER BY l.node_id, l.position`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get column lineage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ColumnLineage
	for rows.Next() {
		c := ColumnLineage{RunID: runID}
		var direct int
		var confidence, upstream string
		if err := rows.Scan(&c.NodeID, &c.NodeName, &c.Target, &c.Column, &c.Transformation,
			&direct, &confidence, &upstream); err != nil {
			return nil, fmt.Errorf("failed to scan column lineage: %w", err)
		}
		c.DirectCopy = direct != 0
		c.Confidence, _ = core.ParseConfidence(confidence)
		if err := json.Unmarshal([]byte(upstream), &c.Upstream); err != nil {
			return nil, fmt.Errorf("failed to decode upstream of %s: %w", c.Qualified(), err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetEdges returns the stored edges of a run.
func (s *SQLiteStore) GetEdges(ctx context.Context, runID string) ([]assemble.Edge, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, from_node, from_relation, from_column, from_slot,
		        to_node, to_relation, to_column, to_slot, transformation
		 FROM edges WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []assemble.Edge
	for rows.Next() {
		var e assemble.Edge
		var kind string
		if err := rows.Scan(&kind, &e.FromNode, &e.From.Relation, &e.From.Column, &e.From.Slot,
			&e.ToNode, &e.To.Relation, &e.To.Column, &e.To.Slot, &e.Transformation); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Kind = assemble.EdgeKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDiagnostics returns the stored diagnostics of a run.
func (s *SQLiteStore) GetDiagnostics(ctx context.Context, runID string) (core.Diagnostics, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, code, severity, column_name, message
		 FROM diagnostics WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnostics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out core.Diagnostics
	for rows.Next() {
		var d core.Diagnostic
		var code, severity string
		if err := rows.Scan(&d.NodeID, &code, &severity, &d.Column, &d.Message); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		d.Code = core.Code(code)
		d.Severity, _ = core.ParseSeverity(severity)
		out = append(out, d)
	}
	return out, rows.Err()
}
