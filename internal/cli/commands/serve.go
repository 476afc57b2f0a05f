package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/proclineage/internal/cli/config"
	"github.com/leapstack-labs/proclineage/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var noStore bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the lineage HTTP API",
		Long: `Start an HTTP server exposing lineage analysis.

Routes:
  GET    /healthz
  POST   /v1/lineage
  GET    /v1/runs
  GET    /v1/runs/{id}
  GET    /v1/runs/{id}/graph
  DELETE /v1/runs/{id}

The server stops gracefully on SIGINT or SIGTERM.`,
		Example: `  proclineage serve --addr :9090`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.GetConfig(ctx)
			logger := config.GetLogger(ctx)

			cat, err := loadCatalog(ctx, cfg)
			if err != nil {
				return err
			}

			srvCfg := server.Config{
				Addr:        cfg.Server.Addr,
				Options:     analyzerOptions(cfg, cat),
				Logger:      logger,
				ReadTimeout: cfg.Server.ReadTimeout,
			}
			if !noStore {
				store, err := openStore(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				srvCfg.Store = store
			}

			r := newRenderer(cmd)
			r.Println(r.Styles().Success.Render("Serving lineage API on " + cfg.Server.Addr))
			return server.New(srvCfg).Serve(ctx)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default :8080)")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "Run without the state database")

	return cmd
}
