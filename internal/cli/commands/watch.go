package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/proclineage/internal/cli/config"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <file|dir>...",
		Short: "Re-analyze procedures when they change",
		Long: `Analyze the given procedure files, then watch them and print the
lineage again every time one is saved. Directories are watched for .sql
files. Stop with Ctrl+C.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.GetConfig(ctx)
			logger := config.GetLogger(ctx)

			cat, err := loadCatalog(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to load catalog: %w", err)
			}
			analyzer := lineage.New(analyzerOptions(cfg, cat))
			r := newRenderer(cmd)

			analyzeFile := func(path string) {
				src, err := readSource(nil, path)
				if err != nil {
					logger.Warn("skipping file", "path", path, "error", err)
					return
				}
				g := analyzer.Analyze(src.Name, src.Text)
				logDiagnostics(logger, src, g)
				r.Println(r.Styles().Header2.Render(fmt.Sprintf("%s (%s)", path, time.Now().Format(time.TimeOnly))))
				if err := r.Graph(g); err != nil {
					logger.Error("render failed", "path", path, "error", err)
				}
			}

			targets, err := watchTargets(args)
			if err != nil {
				return err
			}
			for _, t := range targets {
				if t.file != "" {
					analyzeFile(t.file)
				}
			}
			return watchFiles(ctx, targets, cfg.Watch.Debounce, logger, analyzeFile)
		},
	}

	cmd.Flags().Duration("debounce", 0, "Delay before re-analyzing after a change (default 200ms)")

	return cmd
}

// watchTarget is a watched directory, optionally narrowed to one file.
type watchTarget struct {
	dir  string
	file string
}

func (t watchTarget) accepts(path string) bool {
	if t.file != "" {
		return filepath.Clean(path) == t.file
	}
	return filepath.Dir(filepath.Clean(path)) == t.dir && strings.EqualFold(filepath.Ext(path), ".sql")
}

// watchTargets resolves arguments. Files are watched through their parent
// directory so editors that save by rename are still seen.
func watchTargets(args []string) ([]watchTarget, error) {
	targets := make([]watchTarget, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot watch %s: %w", arg, err)
		}
		if info.IsDir() {
			targets = append(targets, watchTarget{dir: abs})
			continue
		}
		targets = append(targets, watchTarget{dir: filepath.Dir(abs), file: abs})
	}
	return targets, nil
}

// watchFiles calls onChange for every accepted file that was written or
// created, once per debounce window, until ctx is done.
func watchFiles(ctx context.Context, targets []watchTarget, debounce time.Duration, logger *slog.Logger, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	for _, t := range targets {
		if err := watcher.Add(t.dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", t.dir, err)
		}
	}

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[string]bool)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !slices.ContainsFunc(targets, func(t watchTarget) bool { return t.accepts(event.Name) }) {
				continue
			}
			pending[filepath.Clean(event.Name)] = true
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			for _, p := range paths {
				logger.Debug("file changed, re-analyzing", "file", p)
				onChange(p)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", "error", err)
		}
	}
}
