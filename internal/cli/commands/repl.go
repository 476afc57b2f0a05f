package commands

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/proclineage/internal/cli/config"
	"github.com/leapstack-labs/proclineage/internal/emit"
	"github.com/leapstack-labs/proclineage/pkg/lineage"
)

const (
	replPrompt     = "lineage> "
	replContPrompt = "     ...> "
)

// NewREPLCommand creates the repl command.
func NewREPLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive lineage shell",
		Long: `Start an interactive shell. Type a statement or a whole procedure
definition; it is analyzed once it ends with a semicolon outside any
dollar-quoted body. Type .help for commands.`,
		Args: cobra.NoArgs,
		RunE: runREPL,
	}
}

func runREPL(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig(ctx)

	cat, err := loadCatalog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	session := newREPLSession(newRenderer(cmd), cmd.ErrOrStderr(), analyzerOptions(cfg, cat))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     filepath.Join(filepath.Dir(cfg.StatePath), "repl_history"),
		AutoComplete:    replCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize REPL: %w", err)
	}
	defer func() { _ = rl.Close() }()

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "proclineage REPL (dialect: %s)\n", session.opts.Dialect)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(cmd.OutOrStdout())

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			session.reset()
			rl.SetPrompt(replPrompt)
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if session.handleLine(line) {
			return nil
		}
		if session.pending() {
			rl.SetPrompt(replContPrompt)
		} else {
			rl.SetPrompt(replPrompt)
		}
	}
}

// replSession holds the state of one REPL: the statement being typed and
// the current analyzer settings.
type replSession struct {
	r      *emit.Renderer
	errOut io.Writer
	opts   lineage.Options
	name   string
	buf    strings.Builder
}

func newREPLSession(r *emit.Renderer, errOut io.Writer, opts lineage.Options) *replSession {
	if opts.Dialect == "" {
		opts.Dialect = lineage.DefaultDialect
	}
	return &replSession{r: r, errOut: errOut, opts: opts}
}

func (s *replSession) pending() bool { return s.buf.Len() > 0 }

func (s *replSession) reset() { s.buf.Reset() }

// handleLine processes one input line and reports whether the REPL should
// exit.
func (s *replSession) handleLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" && !s.pending() {
		return false
	}
	if strings.HasPrefix(trimmed, ".") {
		return s.dotCommand(trimmed)
	}

	s.buf.WriteString(line)
	s.buf.WriteByte('\n')
	if statementComplete(s.buf.String()) {
		s.run()
	}
	return false
}

func (s *replSession) run() {
	text := s.buf.String()
	s.buf.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	g := lineage.Analyze(s.name, text, s.opts)
	if err := s.r.Graph(g); err != nil {
		_, _ = fmt.Fprintf(s.errOut, "Error: %v\n", err)
	}
	s.r.Println()
}

func (s *replSession) dotCommand(line string) bool {
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])

	switch command {
	case ".quit", ".exit":
		return true

	case ".help":
		printREPLHelp(s.r.Writer())

	case ".run":
		s.run()

	case ".reset":
		s.reset()

	case ".name":
		if len(parts) < 2 {
			s.name = ""
		} else {
			s.name = parts[1]
		}

	case ".dialect":
		if len(parts) < 2 {
			s.r.Println(s.opts.Dialect)
			break
		}
		if err := lineage.ValidateDialect(parts[1]); err != nil {
			_, _ = fmt.Fprintf(s.errOut, "Error: %v\n", err)
			break
		}
		s.opts.Dialect = parts[1]

	default:
		_, _ = fmt.Fprintf(s.errOut, "Unknown command: %s (type .help for commands)\n", command)
	}
	return false
}

// statementComplete reports whether text ends with a semicolon that is
// outside every dollar-quoted body.
func statementComplete(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasSuffix(trimmed, ";") {
		return false
	}
	return strings.Count(trimmed, "$$")%2 == 0
}

func printREPLHelp(w io.Writer) {
	help := `
Commands:
  .help             Show this help message
  .dialect [name]   Show or set the dialect
  .name [proc]      Name plain scripts (empty resets to "script")
  .run              Analyze the pending input now
  .reset            Discard the pending input
  .quit / .exit     Exit the REPL

Tips:
  - Input is analyzed once it ends with a semicolon (;)
  - A CREATE PROCEDURE body between $$ markers may span many lines
  - Use arrow keys to navigate history
`
	_, _ = fmt.Fprint(w, help)
}

func replCompleter() *readline.PrefixCompleter {
	dialects := make([]readline.PrefixCompleterInterface, 0, len(lineage.Dialects()))
	for _, d := range lineage.Dialects() {
		dialects = append(dialects, readline.PcItem(d))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem(".help"),
		readline.PcItem(".dialect", dialects...),
		readline.PcItem(".name"),
		readline.PcItem(".run"),
		readline.PcItem(".reset"),
		readline.PcItem(".quit"),
		readline.PcItem(".exit"),
	)
}
