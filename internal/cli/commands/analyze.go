package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/proclineage/internal/cli/config"
	"github.com/leapstack-labs/proclineage/internal/emit"
	"github.com/leapstack-labs/proclineage/internal/state"
	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

// AnalyzeOptions holds options for the analyze command.
type AnalyzeOptions struct {
	Name  string
	Store bool
	Emit  string
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand() *cobra.Command {
	opts := &AnalyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze [files...]",
		Short: "Compute column lineage of procedures",
		Long: `Analyze stored procedures or SQL scripts and print the column-level
lineage graph of each one.

Each file holds one procedure definition or a plain script. Use "-" or no
argument to read from stdin. Files are analyzed concurrently and printed
in the order given.`,
		Example: `  # Analyze a procedure file
  proclineage analyze procs/load_orders.sql

  # Analyze from stdin as JSON
  cat script.sql | proclineage analyze --name nightly -o json

  # Analyze and record the runs in the state database
  proclineage analyze --store procs/*.sql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"-"}
			}
			return runAnalyze(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "Procedure name for plain scripts (default: file name)")
	cmd.Flags().BoolVar(&opts.Store, "store", false, "Record each analysis in the state database")
	cmd.Flags().StringVar(&opts.Emit, "emit", "", "Also write lineage to a graph sink (neo4j)")
	cmd.Flags().String("neo4j-uri", "", "Neo4j connection URI")
	cmd.Flags().String("neo4j-user", "", "Neo4j user name")
	cmd.Flags().Int("concurrency", 0, "Number of files analyzed in parallel")

	_ = cmd.RegisterFlagCompletionFunc("emit", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"neo4j"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// analysis is the outcome for one source.
type analysis struct {
	src   source
	graph *assemble.Graph
	run   *state.Run
}

func runAnalyze(cmd *cobra.Command, args []string, opts *AnalyzeOptions) error {
	ctx := cmd.Context()
	cfg := config.GetConfig(ctx)
	logger := config.GetLogger(ctx)

	if opts.Emit != "" && opts.Emit != "neo4j" {
		return fmt.Errorf("unknown sink %q (want neo4j)", opts.Emit)
	}

	sources := make([]source, 0, len(args))
	for _, arg := range args {
		src, err := readSource(cmd.InOrStdin(), arg)
		if err != nil {
			return err
		}
		if opts.Name != "" {
			src.Name = opts.Name
		}
		sources = append(sources, src)
	}

	cat, err := loadCatalog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	analyzer := lineage.New(analyzerOptions(cfg, cat))

	var store *state.SQLiteStore
	if opts.Store || cfg.Store {
		store, err = openStore(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	results := make([]analysis, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, src := range sources {
		g.Go(func() error {
			graph := analyzer.Analyze(src.Name, src.Text)
			logDiagnostics(logger, src, graph)
			results[i] = analysis{src: src, graph: graph}

			if store == nil {
				return nil
			}
			run, err := store.SaveGraph(gctx, graph, state.RunMeta{Dialect: cfg.Dialect, Source: src.Path})
			if err != nil {
				return fmt.Errorf("failed to store %s: %w", graph.Procedure, err)
			}
			results[i].run = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if opts.Emit == "neo4j" {
		if err := emitNeo4j(ctx, cfg, results); err != nil {
			return err
		}
	}

	r := newRenderer(cmd)
	fatal := false
	for _, res := range results {
		if res.run != nil && r.EffectiveMode() != emit.ModeJSON && r.EffectiveMode() != emit.ModeYAML {
			r.Println(r.Styles().Muted.Render("run " + res.run.ID))
		}
		if err := r.Graph(res.graph); err != nil {
			return err
		}
		fatal = fatal || res.graph.Fatal()
	}
	if fatal {
		return errFatalGraph
	}
	return nil
}

func logDiagnostics(logger *slog.Logger, src source, g *assemble.Graph) {
	for _, d := range g.AllDiagnostics() {
		logger.Debug("diagnostic",
			"source", src.Path,
			"procedure", g.Procedure,
			"code", d.Code,
			"severity", d.Severity,
			"node", d.NodeID,
			"column", d.Column,
			"message", d.Message,
		)
	}
	logger.Info("analyzed procedure",
		"source", src.Path,
		"procedure", g.Procedure,
		"nodes", len(g.Nodes),
		"edges", len(g.Edges),
	)
}

func emitNeo4j(ctx context.Context, cfg *config.Config, results []analysis) error {
	if cfg.Neo4j.URI == "" {
		return fmt.Errorf("--emit neo4j requires neo4j.uri")
	}
	sink, err := emit.NewNeo4jSink(emit.Neo4jConfig{
		URI:      cfg.Neo4j.URI,
		User:     cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close(ctx) }()

	if err := sink.Verify(ctx); err != nil {
		return fmt.Errorf("neo4j unreachable: %w", err)
	}
	for _, res := range results {
		runID := ""
		if res.run != nil {
			runID = res.run.ID
		}
		if err := sink.Emit(ctx, runID, res.graph); err != nil {
			return err
		}
	}
	return nil
}
