package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/proclineage/pkg/assemble"
	"github.com/leapstack-labs/proclineage/pkg/core"
)

// Graph renders a lineage graph in the renderer's mode.
func (r *Renderer) Graph(g *assemble.Graph) error {
	switch r.EffectiveMode() {
	case ModeJSON:
		return writeJSON(r.w, g)
	case ModeYAML:
		return writeYAML(r.w, g)
	case ModeMarkdown:
		graphMarkdown(r, g)
		return nil
	default:
		graphText(r, g)
		return nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func graphText(r *Renderer, g *assemble.Graph) {
	styles := r.Styles()

	r.Println(styles.Header1.Render(fmt.Sprintf("Procedure %s (%d nodes, %d edges)", g.Procedure, len(g.Nodes), len(g.Edges))))
	if len(g.Params) > 0 {
		r.Println(styles.Muted.Render("params: " + params(g)))
	}
	r.Println("")

	for _, n := range g.Nodes {
		if n.Kind == "ProcedureStart" && len(n.Diagnostics) == 0 {
			continue
		}
		head := fmt.Sprintf("[%d] %s  %s", n.ID, n.Name, n.Kind)
		if n.Target != "" {
			head += " -> " + n.Target
		}
		r.Println(styles.Header2.Render(head))
		if len(n.Sources) > 0 {
			r.Println(styles.Muted.Render("  sources: " + strings.Join(n.Sources, ", ")))
		}
		if len(n.Origins) > 0 && !slices.Equal(n.Origins, n.Sources) {
			r.Println(styles.Muted.Render("  origins: " + strings.Join(n.Origins, ", ")))
		}

		if len(n.Columns) > 0 {
			t := table.NewWriter()
			t.SetOutputMirror(r.w)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Column", "Transformation", "Upstream", "Confidence"})
			for _, e := range n.Columns {
				t.AppendRow(table.Row{e.Column, e.Transformation, upstream(e.Upstream), e.Confidence.String()})
			}
			t.Render()
		}
		diagnosticsText(r, n.Diagnostics, "  ")
		r.Println("")
	}

	if len(g.TempTables) > 0 {
		r.Println(styles.Header2.Render("Temp tables"))
		t := table.NewWriter()
		t.SetOutputMirror(r.w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Name", "Defined", "Dropped", "Columns"})
		for _, d := range g.TempTables {
			dropped := ""
			if d.Invalidated {
				dropped = fmt.Sprint(d.InvalidatedAt)
			}
			names := make([]string, len(d.Columns))
			for i, c := range d.Columns {
				names[i] = c.Name
			}
			t.AppendRow(table.Row{d.Name, d.DefinedAt, dropped, strings.Join(names, ", ")})
		}
		t.Render()
		r.Println("")
	}

	if len(g.Diagnostics) > 0 {
		r.Println(styles.Header2.Render("Diagnostics"))
		diagnosticsText(r, g.Diagnostics, "")
	}
}

func diagnosticsText(r *Renderer, diags core.Diagnostics, indent string) {
	styles := r.Styles()
	for _, d := range diags {
		where := ""
		if d.Column != "" {
			where = " [" + d.Column + "]"
		}
		r.Printf("%s%s %s%s %s\n", indent,
			severityStyle(styles, d.Severity).Render(d.Severity.String()),
			styles.Bold.Render(string(d.Code)), where, d.Message)
	}
}

func severityStyle(styles *Styles, sev core.Severity) lipgloss.Style {
	switch sev {
	case core.SeverityError:
		return styles.Error
	case core.SeverityWarning:
		return styles.Warning
	case core.SeverityInfo:
		return styles.Info
	default:
		return styles.Muted
	}
}

func graphMarkdown(r *Renderer, g *assemble.Graph) {
	r.Printf("# Lineage: %s\n\n", g.Procedure)
	if len(g.Params) > 0 {
		r.Printf("Parameters: `%s`\n\n", params(g))
	}

	for _, n := range g.Nodes {
		if len(n.Columns) == 0 && len(n.Diagnostics) == 0 {
			continue
		}
		r.Printf("## %d. %s (%s)\n\n", n.ID, n.Name, n.Kind)
		if n.Target != "" {
			r.Printf("Target: `%s`\n\n", n.Target)
		}
		if len(n.Origins) > 0 {
			r.Printf("Origins: %s\n\n", strings.Join(n.Origins, ", "))
		}
		if len(n.Columns) > 0 {
			r.Println("| Column | Transformation | Upstream | Confidence |")
			r.Println("|--------|----------------|----------|------------|")
			for _, e := range n.Columns {
				r.Printf("| %s | `%s` | %s | %s |\n",
					escapeCell(e.Column), escapeCell(e.Transformation),
					escapeCell(upstream(e.Upstream)), e.Confidence)
			}
			r.Println("")
		}
		diagnosticsMarkdown(r, n.Diagnostics)
	}

	if len(g.Diagnostics) > 0 {
		r.Println("## Diagnostics")
		r.Println("")
		diagnosticsMarkdown(r, g.Diagnostics)
	}
}

func diagnosticsMarkdown(r *Renderer, diags core.Diagnostics) {
	if len(diags) == 0 {
		return
	}
	for _, d := range diags {
		r.Printf("- **%s** %s: %s\n", d.Severity, d.Code, d.Message)
	}
	r.Println("")
}

func params(g *assemble.Graph) string {
	parts := make([]string, len(g.Params))
	for i, p := range g.Params {
		parts[i] = strings.TrimSpace(strings.Join([]string{p.Mode, p.Name, p.Type}, " "))
	}
	return strings.Join(parts, ", ")
}

func upstream(refs []core.ColumnRef) string {
	parts := make([]string, len(refs))
	for i, ref := range refs {
		parts[i] = ref.String()
	}
	return strings.Join(parts, ", ")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
