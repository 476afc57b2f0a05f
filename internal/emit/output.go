// Package emit renders lineage graphs and stored runs for people and
// machines, and pushes graphs into external sinks.
package emit

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Mode selects an output format.
type Mode string

// Output modes.
const (
	// ModeAuto renders styled text on a terminal and markdown otherwise.
	ModeAuto     Mode = "auto"
	ModeText     Mode = "text"
	ModeJSON     Mode = "json"
	ModeYAML     Mode = "yaml"
	ModeMarkdown Mode = "markdown"
)

// Modes lists the accepted output mode names.
func Modes() []string {
	return []string{string(ModeAuto), string(ModeText), string(ModeJSON), string(ModeYAML), string(ModeMarkdown)}
}

// ParseMode converts a mode name. "md" and "yml" are accepted aliases and
// the empty string selects ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "text", "table":
		return ModeText, nil
	case "json":
		return ModeJSON, nil
	case "yaml", "yml":
		return ModeYAML, nil
	case "markdown", "md":
		return ModeMarkdown, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (valid: %s)", s, strings.Join(Modes(), ", "))
	}
}

// Styles holds the lipgloss styles used by text output.
type Styles struct {
	Header1 lipgloss.Style
	Header2 lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer, color bool) *Styles {
	s := &Styles{
		Header1: r.NewStyle().Bold(true),
		Header2: r.NewStyle().Bold(true),
		Bold:    r.NewStyle().Bold(true),
		Muted:   r.NewStyle(),
		Success: r.NewStyle(),
		Error:   r.NewStyle(),
		Warning: r.NewStyle(),
		Info:    r.NewStyle(),
	}
	if !color {
		return s
	}
	s.Header1 = s.Header1.Foreground(lipgloss.Color("12")).Underline(true)
	s.Header2 = s.Header2.Foreground(lipgloss.Color("14"))
	s.Muted = s.Muted.Foreground(lipgloss.Color("8"))
	s.Success = s.Success.Foreground(lipgloss.Color("10"))
	s.Error = s.Error.Foreground(lipgloss.Color("9")).Bold(true)
	s.Warning = s.Warning.Foreground(lipgloss.Color("11"))
	s.Info = s.Info.Foreground(lipgloss.Color("6"))
	return s
}

// Renderer writes output in one mode.
type Renderer struct {
	w      io.Writer
	mode   Mode
	tty    bool
	styles *Styles
}

// NewRenderer creates a renderer writing to w. Colors are used only when
// w is a terminal.
func NewRenderer(w io.Writer, mode Mode) *Renderer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	if mode == "" {
		mode = ModeAuto
	}
	return &Renderer{
		w:      w,
		mode:   mode,
		tty:    tty,
		styles: newStyles(lipgloss.NewRenderer(w), tty),
	}
}

// EffectiveMode resolves ModeAuto against the output device.
func (r *Renderer) EffectiveMode() Mode {
	if r.mode != ModeAuto {
		return r.mode
	}
	if r.tty {
		return ModeText
	}
	return ModeMarkdown
}

// IsTTY reports whether output goes to a terminal.
func (r *Renderer) IsTTY() bool { return r.tty }

// Styles returns the text styles.
func (r *Renderer) Styles() *Styles { return r.styles }

// Writer returns the underlying writer.
func (r *Renderer) Writer() io.Writer { return r.w }

// Println writes a line.
func (r *Renderer) Println(a ...any) {
	_, _ = fmt.Fprintln(r.w, a...)
}

// Printf writes formatted text.
func (r *Renderer) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(r.w, format, a...)
}
