package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/proclineage/internal/state"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand() *cobra.Command {
	var (
		procedure string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored analyses",
		Long: `List analyses recorded in the state database with analyze --store,
newest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(cmd.Context(), procedure, limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			return newRenderer(cmd).Runs(runs)
		},
	}

	cmd.Flags().StringVar(&procedure, "procedure", "", "Only list runs of this procedure")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs (0 for all)")

	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand() *cobra.Command {
	var (
		column string
		graph  bool
		impact bool
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the lineage of a stored analysis",
		Long: `Show the column lineage recorded for one run.

--column narrows the output to one target column, written "target.column"
or just "column". With --impact it prints every column that column derives
from and feeds instead; a column the procedure only reads, such as
"orders.amount", works too. --graph prints the complete stored graph.`,
		Example: `  proclineage show 3f2c9a
  proclineage show 3f2c9a --column orders_out.total
  proclineage show 3f2c9a --column orders.amount --impact
  proclineage show 3f2c9a --graph -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			r := newRenderer(cmd)
			if impact && column == "" {
				return errors.New("--impact requires --column")
			}
			if graph || impact {
				g, err := store.GetGraph(ctx, args[0])
				if err != nil {
					return showError(args[0], err)
				}
				if !impact {
					return r.Graph(g)
				}
				imp, ok := g.Impact(column)
				if !ok {
					return fmt.Errorf("run %s has no column %q", args[0], column)
				}
				return r.Impact(imp)
			}

			if _, err := store.GetRun(ctx, args[0]); err != nil {
				return showError(args[0], err)
			}
			rows, err := store.GetColumnLineage(ctx, args[0], column)
			if err != nil {
				return fmt.Errorf("failed to read lineage: %w", err)
			}
			if len(rows) == 0 && column != "" {
				return fmt.Errorf("run %s has no column %q", args[0], column)
			}
			return r.ColumnLineage(rows)
		},
	}

	cmd.Flags().StringVar(&column, "column", "", "Only show this target column")
	cmd.Flags().BoolVar(&graph, "graph", false, "Show the complete stored graph")
	cmd.Flags().BoolVar(&impact, "impact", false, "Show what --column derives from and feeds")
	cmd.MarkFlagsMutuallyExclusive("graph", "impact")

	return cmd
}

func showError(id string, err error) error {
	if errors.Is(err, state.ErrRunNotFound) {
		return fmt.Errorf("run %s not found", id)
	}
	return fmt.Errorf("failed to read run %s: %w", id, err)
}
