package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/leapstack-labs/proclineage/internal/testutil"
	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/core"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

const tempScript = `
CREATE TEMP TABLE tmp AS SELECT id, SUM(amt) AS total FROM orders GROUP BY id;
INSERT INTO out(id, total) SELECT id, total FROM tmp;`

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenAndMigrate(filepath.Join(t.TempDir(), "state.db"), testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func saveScript(t *testing.T, store *SQLiteStore, name, script string) (*Run, *assemble.Graph) {
	t.Helper()
	g := lineage.Analyze(name, script, lineage.Options{})
	run, err := store.SaveGraph(context.Background(), g, RunMeta{Dialect: "postgres", Source: name + ".sql"})
	if err != nil {
		t.Fatalf("failed to save graph: %v", err)
	}
	return run, g
}

func TestSQLiteStore_OpenClose(t *testing.T) {
	store := NewSQLiteStore(nil)

	if err := store.Open(":memory:"); err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("failed to migrate in-memory store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestSQLiteStore_NotOpen(t *testing.T) {
	store := NewSQLiteStore(nil)
	if _, err := store.GetRun(context.Background(), "x"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if err := store.Migrate(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestSQLiteStore_Migrate(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.GetMigrationVersion()
	if err != nil {
		t.Fatalf("failed to get migration version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected migration version 1, got %d", version)
	}

	// Running again is a no-op.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	for _, table := range []string{"runs", "nodes", "column_lineage", "edges", "diagnostics"} {
		rows, err := store.db.Query("SELECT 1 FROM " + table + " LIMIT 1")
		if err != nil {
			t.Errorf("table %s does not exist: %v", table, err)
			continue
		}
		_ = rows.Close()
	}
}

func TestSQLiteStore_SaveAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, g := saveScript(t, store, "load_out", tempScript)
	if run.ID == "" {
		t.Fatal("run ID should not be empty")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Procedure != "load_out" {
		t.Errorf("expected procedure load_out, got %q", got.Procedure)
	}
	if got.NodeCount != len(g.Nodes) || got.EdgeCount != len(g.Edges) {
		t.Errorf("counts = %d/%d, want %d/%d", got.NodeCount, got.EdgeCount, len(g.Nodes), len(g.Edges))
	}
	if got.Fatal {
		t.Error("run should not be fatal")
	}
	if got.Dialect != "postgres" || got.Source != "load_out.sql" {
		t.Errorf("unexpected meta %q %q", got.Dialect, got.Source)
	}

	_, err = store.GetRun(ctx, "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteStore_GetGraph(t *testing.T) {
	store := setupTestStore(t)

	run, g := saveScript(t, store, "load_out", tempScript)
	got, err := store.GetGraph(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to get graph: %v", err)
	}
	_, want, _ := g.Lookup("out.total")
	_, have, ok := got.Lookup("out.total")
	if !ok {
		t.Fatal("stored graph lost out.total")
	}
	if have.Transformation != want.Transformation || have.Confidence != want.Confidence {
		t.Errorf("stored entry = %+v, want %+v", have, want)
	}
	if len(got.TempTables) != 1 || got.TempTables[0].Name != "tmp" {
		t.Errorf("unexpected temp tables %+v", got.TempTables)
	}
}

func TestSQLiteStore_GetColumnLineage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run, _ := saveScript(t, store, "load_out", tempScript)

	tests := []struct {
		name   string
		column string
		want   []string
	}{
		{name: "all", column: "", want: []string{"tmp.id", "tmp.total", "out.id", "out.total"}},
		{name: "qualified", column: "out.total", want: []string{"out.total"}},
		{name: "case insensitive", column: "OUT.Total", want: []string{"out.total"}},
		{name: "bare", column: "total", want: []string{"tmp.total", "out.total"}},
		{name: "unknown", column: "out.nope", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := store.GetColumnLineage(ctx, run.ID, tt.column)
			if err != nil {
				t.Fatalf("failed to get column lineage: %v", err)
			}
			var got []string
			for _, r := range rows {
				got = append(got, r.Qualified())
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("row %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}

	rows, err := store.GetColumnLineage(ctx, run.ID, "out.total")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one row, got %d (%v)", len(rows), err)
	}
	r := rows[0]
	if r.Transformation != "SQL:SUM(orders.amt)" {
		t.Errorf("transformation = %q", r.Transformation)
	}
	if r.NodeName != "load_out_node_2" {
		t.Errorf("node name = %q", r.NodeName)
	}
	if len(r.Upstream) != 1 || r.Upstream[0].Relation != "orders" || r.Upstream[0].Column != "amt" {
		t.Errorf("upstream = %+v", r.Upstream)
	}
	if r.Confidence != core.ConfidenceHigh {
		t.Errorf("confidence = %v", r.Confidence)
	}
}

func TestSQLiteStore_EdgesAndDiagnostics(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, g := saveScript(t, store, "dropped", `
CREATE TEMP TABLE tmp AS SELECT o.id FROM orders o;
DROP TABLE tmp;
INSERT INTO out(id) SELECT id FROM tmp;`)

	edges, err := store.GetEdges(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get edges: %v", err)
	}
	if len(edges) != len(g.Edges) {
		t.Fatalf("got %d edges, want %d", len(edges), len(g.Edges))
	}
	for i := range edges {
		if edges[i] != g.Edges[i] {
			t.Errorf("edge %d = %+v, want %+v", i, edges[i], g.Edges[i])
		}
	}

	diags, err := store.GetDiagnostics(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get diagnostics: %v", err)
	}
	if !diags.Has(core.CodeUnregisteredTempTable) {
		t.Errorf("expected UnregisteredTempTable in %v", diags)
	}
}

func TestSQLiteStore_FatalRun(t *testing.T) {
	store := setupTestStore(t)
	run, _ := saveScript(t, store, "empty", " ; ")
	if !run.Fatal || run.NodeCount != 0 {
		t.Errorf("expected a fatal run without nodes, got %+v", run)
	}

	diags, err := store.GetDiagnostics(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to get diagnostics: %v", err)
	}
	if len(diags) != 1 || diags[0].Code != core.CodeEmptyProcedure {
		t.Errorf("unexpected diagnostics %v", diags)
	}
}

func TestSQLiteStore_ListAndDeleteRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a, _ := saveScript(t, store, "a", "SELECT t.x FROM t")
	saveScript(t, store, "b", "SELECT t.y FROM t")
	saveScript(t, store, "a", "SELECT t.z FROM t")

	all, err := store.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}

	onlyA, err := store.ListRuns(ctx, "a", 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(onlyA) != 2 {
		t.Errorf("expected 2 runs of a, got %d", len(onlyA))
	}

	limited, _ := store.ListRuns(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("expected 1 run with limit, got %d", len(limited))
	}

	if err := store.DeleteRun(ctx, a.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	rows, err := store.GetColumnLineage(ctx, a.ID, "")
	if err != nil {
		t.Fatalf("failed to get column lineage: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected lineage rows to be deleted, got %d", len(rows))
	}
	if err := store.DeleteRun(ctx, a.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}
