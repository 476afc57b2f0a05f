package emit

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/leapstack-labs/proclineage/pkg/assemble"
)

// Impact renders the lineage neighbourhood of one column.
func (r *Renderer) Impact(imp assemble.Impact) error {
	sections := []struct {
		name string
		ids  []string
	}{
		{"Parents", imp.Parents},
		{"Children", imp.Children},
		{"Upstream", imp.Upstream},
		{"Downstream", imp.Downstream},
		{"Origins", imp.Origins},
		{"Finals", imp.Finals},
	}

	switch r.EffectiveMode() {
	case ModeJSON:
		return writeJSON(r.w, imp)
	case ModeYAML:
		return writeYAML(r.w, imp)
	case ModeMarkdown:
		r.Printf("## Impact of `%s`\n\n", imp.Column)
		r.Println("| Direction | Columns |")
		r.Println("|-----------|---------|")
		for _, s := range sections {
			r.Printf("| %s | %s |\n", s.name, escapeCell(joinOrDash(s.ids)))
		}
		return nil
	}

	r.Println(r.Styles().Header1.Render("Impact of " + imp.Column))
	t := table.NewWriter()
	t.SetOutputMirror(r.w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Direction", "Columns"})
	for _, s := range sections {
		t.AppendRow(table.Row{s.name, strings.Join(s.ids, "\n")})
	}
	t.Render()
	return nil
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
