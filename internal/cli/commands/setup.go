// Package commands implements the proclineage subcommands.
package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/proclineage/internal/cli/config"
	"github.com/leapstack-labs/proclineage/internal/emit"
	"github.com/leapstack-labs/proclineage/internal/state"
	"github.com/leapstack-labs/proclineage/pkg/catalog"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

// newRenderer creates a renderer on the command's stdout using the
// configured output mode.
func newRenderer(cmd *cobra.Command) *emit.Renderer {
	cfg := config.GetConfig(cmd.Context())
	mode, err := emit.ParseMode(cfg.OutputFormat)
	if err != nil {
		mode = emit.ModeAuto
	}
	return emit.NewRenderer(cmd.OutOrStdout(), mode)
}

// openStore opens the state database, creating its directory and
// applying migrations.
func openStore(cmd *cobra.Command) (*state.SQLiteStore, error) {
	cfg := config.GetConfig(cmd.Context())
	logger := config.GetLogger(cmd.Context())

	stateDir := filepath.Dir(cfg.StatePath)
	if stateDir != "." && stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return state.OpenAndMigrate(cfg.StatePath, logger)
}

// loadCatalog builds the permanent-table catalog from every configured
// source. The returned catalog is nil when none is configured.
func loadCatalog(ctx context.Context, cfg *config.Config) (catalog.Catalog, error) {
	if !cfg.Catalog.Enabled() {
		return nil, nil
	}
	logger := config.GetLogger(ctx)

	var chain catalog.Chain
	if cfg.Catalog.File != "" {
		static, err := catalog.LoadYAML(cfg.Catalog.File)
		if err != nil {
			return nil, err
		}
		logger.Debug("loaded catalog file", "path", cfg.Catalog.File, "relations", static.Len())
		chain = append(chain, static)
	}

	sources := []struct {
		name string
		dsn  string
		open func(context.Context, string) (*sql.DB, error)
	}{
		{name: "postgres", dsn: cfg.Catalog.PostgresDSN, open: catalog.OpenPostgres},
		{name: "duckdb", dsn: cfg.Catalog.DuckDBPath, open: catalog.OpenDuckDB},
	}
	for _, src := range sources {
		if src.dsn == "" {
			continue
		}
		static, err := introspect(ctx, src.open, src.dsn, cfg)
		if err != nil {
			return nil, fmt.Errorf("%s catalog: %w", src.name, err)
		}
		logger.Debug("introspected catalog", "source", src.name, "relations", static.Len())
		chain = append(chain, static)
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func introspect(ctx context.Context, open func(context.Context, string) (*sql.DB, error), dsn string, cfg *config.Config) (*catalog.Static, error) {
	db, err := open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	return catalog.LoadInformationSchema(ctx, db, cfg.DefaultSchema, cfg.Catalog.Schemas)
}

// analyzerOptions returns the lineage options the configuration selects.
func analyzerOptions(cfg *config.Config, cat catalog.Catalog) lineage.Options {
	return lineage.Options{
		Dialect:  cfg.Dialect,
		MaxDepth: cfg.MaxDepth,
		Catalog:  cat,
	}
}

// source is one procedure text to analyze.
type source struct {
	Name string
	Path string
	Text string
}

// readSource reads a file, or stdin when path is "-". The procedure name
// defaults to the file name without its extension.
func readSource(in io.Reader, path string) (source, error) {
	if path == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return source{}, fmt.Errorf("failed to read stdin: %w", err)
		}
		return source{Path: "-", Text: string(data)}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	base := filepath.Base(path)
	return source{
		Name: strings.TrimSuffix(base, filepath.Ext(base)),
		Path: path,
		Text: string(data),
	}, nil
}

// errFatalGraph is returned when at least one analysis produced a fatal
// graph so the process exits non-zero.
var errFatalGraph = errors.New("analysis failed")
