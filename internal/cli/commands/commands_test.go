package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/proclineage/internal/cli/testutil"
	"github.com/leapstack-labs/proclineage/internal/emit"
	"github.com/leapstack-labs/proclineage/internal/state"
	itestutil "github.com/leapstack-labs/proclineage/internal/testutil"
	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

func TestNewAnalyzeCommand(t *testing.T) {
	cmd := NewAnalyzeCommand()

	assert.Equal(t, "analyze [files...]", cmd.Use)
	assert.NotEmpty(t, cmd.Short, "Short should not be empty")
	assert.NotEmpty(t, cmd.Example, "Example should not be empty")

	// Verify flags exist (output is a global flag on root, not local)
	flags := []string{"name", "store", "emit", "neo4j-uri", "neo4j-user", "concurrency"}
	for _, flag := range flags {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestNewRunsAndShowCommands(t *testing.T) {
	runs := NewRunsCommand()
	assert.Equal(t, "runs", runs.Use)
	assert.NotNil(t, runs.Flags().Lookup("procedure"))
	assert.NotNil(t, runs.Flags().Lookup("limit"))

	show := NewShowCommand()
	assert.Equal(t, "show <run-id>", show.Use)
	assert.NotNil(t, show.Flags().Lookup("column"))
	assert.NotNil(t, show.Flags().Lookup("graph"))
}

func TestNewServeWatchREPLCommands(t *testing.T) {
	serve := NewServeCommand()
	assert.Equal(t, "serve", serve.Use)
	assert.NotNil(t, serve.Flags().Lookup("addr"))
	assert.NotNil(t, serve.Flags().Lookup("no-store"))

	watch := NewWatchCommand()
	assert.Equal(t, "watch <file|dir>...", watch.Use)
	assert.NotNil(t, watch.Flags().Lookup("debounce"))

	repl := NewREPLCommand()
	assert.Equal(t, "repl", repl.Use)
	assert.NotEmpty(t, repl.Long)
}

func decodeGraphs(t *testing.T, out string) []assemble.Graph {
	t.Helper()
	var graphs []assemble.Graph
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var g assemble.Graph
		require.NoError(t, dec.Decode(&g))
		graphs = append(graphs, g)
	}
	return graphs
}

func TestAnalyze_ProcedureFile(t *testing.T) {
	p := testutil.SetupTestProject(t)
	t.Setenv("PROCLINEAGE_OUTPUT", "json")

	out, _, err := testutil.Execute(t, NewAnalyzeCommand(), p.Proc("load_orders.sql"))
	require.NoError(t, err)

	graphs := decodeGraphs(t, out)
	require.Len(t, graphs, 1)
	g := graphs[0]
	assert.Equal(t, "load_orders", g.Procedure)
	assert.False(t, g.Fatal())

	_, total, ok := g.Lookup("customer_totals.total")
	require.True(t, ok)
	assert.False(t, total.DirectCopy)
	assert.Contains(t, total.Transformation, "orders.amount")
}

func TestAnalyze_ScriptsKeepArgumentOrder(t *testing.T) {
	p := testutil.SetupTestProject(t)
	t.Setenv("PROCLINEAGE_OUTPUT", "json")
	t.Setenv("PROCLINEAGE_CONCURRENCY", "2")

	out, _, err := testutil.Execute(t, NewAnalyzeCommand(),
		p.Proc("nightly.sql"), p.Proc("load_orders.sql"), p.Proc("nightly.sql"))
	require.NoError(t, err)

	graphs := decodeGraphs(t, out)
	require.Len(t, graphs, 3)
	assert.Equal(t, "nightly", graphs[0].Procedure)
	assert.Equal(t, "load_orders", graphs[1].Procedure)
	assert.Equal(t, "nightly", graphs[2].Procedure)

	// The catalog expands the star inside the CTE.
	_, name, ok := graphs[0].Lookup("customer_copy.name")
	require.True(t, ok)
	assert.Contains(t, name.Transformation, "customers.name")
}

func TestAnalyze_StdinWithName(t *testing.T) {
	testutil.SetupTestProject(t)
	t.Setenv("PROCLINEAGE_OUTPUT", "json")

	cmd := NewAnalyzeCommand()
	cmd.SetIn(strings.NewReader("INSERT INTO out(x) SELECT a.x FROM a;"))
	out, _, err := testutil.Execute(t, cmd, "--name", "adhoc")
	require.NoError(t, err)

	graphs := decodeGraphs(t, out)
	require.Len(t, graphs, 1)
	assert.Equal(t, "adhoc", graphs[0].Procedure)
	_, x, ok := graphs[0].Lookup("out.x")
	require.True(t, ok)
	assert.Equal(t, "COPY:a.x", x.Transformation)
}

func TestAnalyze_MarkdownHasNoANSI(t *testing.T) {
	p := testutil.SetupTestProject(t)

	out, _, err := testutil.Execute(t, NewAnalyzeCommand(), p.Proc("load_orders.sql"))
	require.NoError(t, err)
	testutil.AssertNoANSI(t, out)
	testutil.AssertContains(t, out, "# Lineage: load_orders", "customer_totals")
}

func TestAnalyze_FatalGraphFails(t *testing.T) {
	p := testutil.SetupTestProject(t)
	empty := p.Proc("empty.sql")
	require.NoError(t, os.WriteFile(empty, []byte("  ;  "), 0o600))

	out, _, err := testutil.Execute(t, NewAnalyzeCommand(), empty)
	require.ErrorIs(t, err, errFatalGraph)
	assert.Contains(t, out, "EmptyProcedure")
}

func TestAnalyze_Errors(t *testing.T) {
	p := testutil.SetupTestProject(t)

	_, _, err := testutil.Execute(t, NewAnalyzeCommand(), "missing.sql")
	assert.Error(t, err)

	_, _, err = testutil.Execute(t, NewAnalyzeCommand(), "--emit", "kafka", p.Proc("nightly.sql"))
	assert.ErrorContains(t, err, "unknown sink")

	_, _, err = testutil.Execute(t, NewAnalyzeCommand(), "--emit", "neo4j", p.Proc("nightly.sql"))
	assert.ErrorContains(t, err, "neo4j.uri")
}

func TestAnalyze_StoreThenShow(t *testing.T) {
	p := testutil.SetupTestProject(t)

	_, _, err := testutil.Execute(t, NewAnalyzeCommand(), "--store", p.Proc("load_orders.sql"))
	require.NoError(t, err)

	store, err := state.OpenAndMigrate(p.StatePath, itestutil.NewTestLogger(t))
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), "load_orders", 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	id := runs[0].ID
	assert.Equal(t, p.Proc("load_orders.sql"), runs[0].Source)

	out, _, err := testutil.Execute(t, NewRunsCommand())
	require.NoError(t, err)
	testutil.AssertContains(t, out, id, "load_orders")

	out, _, err = testutil.Execute(t, NewShowCommand(), id, "--column", "customer_totals.total")
	require.NoError(t, err)
	testutil.AssertContains(t, out, "customer_totals", "total")

	t.Setenv("PROCLINEAGE_OUTPUT", "json")
	out, _, err = testutil.Execute(t, NewShowCommand(), id, "--graph")
	require.NoError(t, err)
	graphs := decodeGraphs(t, out)
	require.Len(t, graphs, 1)
	assert.Equal(t, "load_orders", graphs[0].Procedure)

	out, _, err = testutil.Execute(t, NewShowCommand(), id, "--column", "customer_totals.total", "--impact")
	require.NoError(t, err)
	var imp assemble.Impact
	require.NoError(t, json.Unmarshal([]byte(out), &imp))
	assert.Equal(t, "2:customer_totals.total", imp.Column)
	assert.Equal(t, []string{"orders.amount"}, imp.Origins)
	assert.Contains(t, imp.Upstream, "1:tmp_totals.total")

	out, _, err = testutil.Execute(t, NewShowCommand(), id, "--column", "orders.amount", "--impact")
	require.NoError(t, err)
	imp = assemble.Impact{}
	require.NoError(t, json.Unmarshal([]byte(out), &imp))
	assert.Equal(t, []string{"2:customer_totals.total"}, imp.Finals)

	_, _, err = testutil.Execute(t, NewShowCommand(), id, "--impact")
	assert.ErrorContains(t, err, "--impact requires --column")

	_, _, err = testutil.Execute(t, NewShowCommand(), id, "--column", "nope.nope", "--impact")
	assert.ErrorContains(t, err, "no column")

	_, _, err = testutil.Execute(t, NewShowCommand(), id, "--column", "nope")
	assert.ErrorContains(t, err, "no column")

	_, _, err = testutil.Execute(t, NewShowCommand(), "does-not-exist")
	assert.ErrorContains(t, err, "not found")
}

func TestStatementComplete(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{text: "SELECT 1;", want: true},
		{text: "SELECT 1", want: false},
		{text: "CREATE PROCEDURE p() AS $$\nBEGIN\n  INSERT INTO t SELECT 1;", want: false},
		{text: "CREATE PROCEDURE p() AS $$\nBEGIN\n  INSERT INTO t SELECT 1;\nEND;\n$$;", want: true},
		{text: "  ;  \n", want: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statementComplete(tt.text), tt.text)
	}
}

func newTestSession(t *testing.T) (*replSession, *strings.Builder, *strings.Builder) {
	t.Helper()
	out, errOut := new(strings.Builder), new(strings.Builder)
	r := emit.NewRenderer(out, emit.ModeJSON)
	return newREPLSession(r, errOut, lineage.Options{}), out, errOut
}

func TestREPLSession_MultiLineProcedure(t *testing.T) {
	s, out, _ := newTestSession(t)

	lines := strings.Split(strings.TrimSpace(testutil.LoadOrders), "\n")
	for i, line := range lines {
		assert.False(t, s.handleLine(line))
		if i < len(lines)-1 {
			assert.Empty(t, out.String(), "analyzed early at line %d", i)
		}
	}
	assert.False(t, s.pending())

	graphs := decodeGraphs(t, out.String())
	require.Len(t, graphs, 1)
	assert.Equal(t, "load_orders", graphs[0].Procedure)
}

func TestREPLSession_DotCommands(t *testing.T) {
	s, out, errOut := newTestSession(t)

	assert.False(t, s.handleLine(".name adhoc"))
	assert.False(t, s.handleLine("INSERT INTO out(x)"))
	assert.True(t, s.pending())
	assert.False(t, s.handleLine("SELECT a.x FROM a;"))
	assert.False(t, s.pending())

	graphs := decodeGraphs(t, out.String())
	require.Len(t, graphs, 1)
	assert.Equal(t, "adhoc", graphs[0].Procedure)

	assert.False(t, s.handleLine(".dialect cobol"))
	assert.Contains(t, errOut.String(), "unknown dialect")
	assert.Equal(t, lineage.DefaultDialect, s.opts.Dialect)

	assert.False(t, s.handleLine(".bogus"))
	assert.Contains(t, errOut.String(), "Unknown command")

	assert.False(t, s.handleLine(".help"))
	assert.Contains(t, out.String(), ".dialect")

	assert.True(t, s.handleLine(".quit"))
	assert.True(t, s.handleLine(".exit"))
}

func TestREPLSession_RunAndReset(t *testing.T) {
	s, out, _ := newTestSession(t)

	s.buf.WriteString("INSERT INTO out(x) SELECT a.x FROM a\n")
	assert.False(t, s.dotCommand(".reset"))
	assert.False(t, s.pending())
	assert.False(t, s.dotCommand(".run"))
	assert.Empty(t, out.String())

	s.buf.WriteString("INSERT INTO out(x) SELECT a.x FROM a\n")
	assert.False(t, s.dotCommand(".run"))
	assert.Len(t, decodeGraphs(t, out.String()), 1)
}

func TestWatchTargets(t *testing.T) {
	p := testutil.SetupTestProject(t)

	targets, err := watchTargets([]string{p.Procs, p.Proc("nightly.sql")})
	require.NoError(t, err)
	require.Len(t, targets, 2)

	assert.True(t, targets[0].accepts(filepath.Join(p.Procs, "other.SQL")))
	assert.False(t, targets[0].accepts(filepath.Join(p.Procs, "notes.txt")))
	assert.True(t, targets[1].accepts(p.Proc("nightly.sql")))
	assert.False(t, targets[1].accepts(p.Proc("load_orders.sql")))

	_, err = watchTargets([]string{"missing.sql"})
	assert.Error(t, err)
}

func TestWatchFiles_Debounces(t *testing.T) {
	p := testutil.SetupTestProject(t)
	targets, err := watchTargets([]string{p.Proc("nightly.sql")})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchFiles(ctx, targets, 50*time.Millisecond, itestutil.NewTestLogger(t), func(path string) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, path)
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(p.Proc("nightly.sql"), []byte(testutil.NightlyScript), 0o600))
	}
	require.NoError(t, os.WriteFile(p.Proc("load_orders.sql"), []byte(testutil.LoadOrders), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{p.Proc("nightly.sql")}, calls)
}

func TestLogDiagnostics(t *testing.T) {
	logger, logs := itestutil.NewCaptureLogger()
	g := lineage.Analyze("p", "RAISE NOTICE 'x'; INSERT INTO out(x) SELECT a.x FROM a;", lineage.Options{})

	logDiagnostics(logger, source{Path: "p.sql"}, g)

	lines := logs.Lines("msg=diagnostic", "code=Unsupported")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "source=p.sql")
	assert.Contains(t, lines[0], "level=DEBUG")
	assert.Len(t, logs.Lines("msg=\"analyzed procedure\"", "nodes=3"), 1)
}
