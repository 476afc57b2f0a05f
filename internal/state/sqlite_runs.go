package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/proclineage/pkg/assemble"
)

// SaveGraph stores a graph as a new run. Nodes, column entries, edges and
// diagnostics are written in one transaction next to the full graph
// document.
func (s *SQLiteStore) SaveGraph(ctx context.Context, g *assemble.Graph, meta RunMeta) (*Run, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	doc, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}

	run := &Run{
		ID:        generateID(),
		Procedure: g.Procedure,
		Dialect:   meta.Dialect,
		Source:    meta.Source,
		NodeCount: len(g.Nodes),
		EdgeCount: len(g.Edges),
		Fatal:     g.Fatal(),
		CreatedAt: time.Now().UTC(),
	}

	s.logger.Debug("saving run",
		slog.String("id", run.ID),
		slog.String("procedure", run.Procedure),
		slog.Int("nodes", run.NodeCount))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, procedure, dialect, source, node_count, edge_count, fatal, graph, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Procedure, run.Dialect, run.Source, run.NodeCount, run.EdgeCount,
		boolInt(run.Fatal), string(doc), run.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := saveNodes(ctx, tx, run.ID, g); err != nil {
		return nil, err
	}
	if err := saveEdges(ctx, tx, run.ID, g.Edges); err != nil {
		return nil, err
	}
	if err := saveDiagnostics(ctx, tx, run.ID, g.AllDiagnostics()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}
	return run, nil
}

// ListRuns returns stored runs, newest first. An empty procedure lists all
// procedures; a non-positive limit lists everything.
func (s *SQLiteStore) ListRuns(ctx context.Context, procedure string, limit int) ([]*Run, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, procedure, dialect, source, node_count, edge_count, fatal, created_at
		 FROM runs
		 WHERE ? = '' OR procedure = ?
		 ORDER BY created_at DESC, id
		 LIMIT ?`,
		procedure, procedure, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, procedure, dialect, source, node_count, edge_count, fatal, created_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// GetGraph returns the graph document stored with a run.
func (s *SQLiteStore) GetGraph(ctx context.Context, id string) (*assemble.Graph, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT graph FROM runs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get graph: %w", err)
	}

	var g assemble.Graph
	if err := json.Unmarshal([]byte(doc), &g); err != nil {
		return nil, fmt.Errorf("failed to decode graph of run %s: %w", id, err)
	}
	return &g, nil
}

// DeleteRun removes a run and everything stored with it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	if s.db == nil {
		return ErrNotOpen
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var fatal int
	if err := sc.Scan(&run.ID, &run.Procedure, &run.Dialect, &run.Source,
		&run.NodeCount, &run.EdgeCount, &fatal, &run.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Fatal = fatal != 0
	return run, nil
}
