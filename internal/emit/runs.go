package emit

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/leapstack-labs/proclineage/internal/state"
)

// Runs renders a list of stored runs.
func (r *Renderer) Runs(runs []*state.Run) error {
	switch r.EffectiveMode() {
	case ModeJSON:
		return writeJSON(r.w, runs)
	case ModeYAML:
		return writeYAML(r.w, runs)
	case ModeMarkdown:
		if len(runs) == 0 {
			r.Println("_No runs stored._")
			return nil
		}
		r.Println("| Run | Procedure | Nodes | Edges | Fatal | Created |")
		r.Println("|-----|-----------|-------|-------|-------|---------|")
		for _, run := range runs {
			r.Printf("| %s | %s | %d | %d | %t | %s |\n", run.ID, escapeCell(run.Procedure),
				run.NodeCount, run.EdgeCount, run.Fatal, run.CreatedAt.Format(time.RFC3339))
		}
		return nil
	}

	if len(runs) == 0 {
		r.Println(r.Styles().Muted.Render("No runs stored."))
		return nil
	}
	t := table.NewWriter()
	t.SetOutputMirror(r.w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Procedure", "Source", "Nodes", "Edges", "Status", "Created"})
	for _, run := range runs {
		status := r.Styles().Success.Render("ok")
		if run.Fatal {
			status = r.Styles().Error.Render("fatal")
		}
		t.AppendRow(table.Row{run.ID, run.Procedure, run.Source, run.NodeCount, run.EdgeCount,
			status, run.CreatedAt.Local().Format("2006-01-02 15:04:05")})
	}
	t.Render()
	r.Printf("(%d runs)\n", len(runs))
	return nil
}

// ColumnLineage renders stored lineage rows of one run.
func (r *Renderer) ColumnLineage(rows []state.ColumnLineage) error {
	switch r.EffectiveMode() {
	case ModeJSON:
		return writeJSON(r.w, rows)
	case ModeYAML:
		return writeYAML(r.w, rows)
	case ModeMarkdown:
		r.Println("| Node | Column | Transformation | Upstream | Confidence |")
		r.Println("|------|--------|----------------|----------|------------|")
		for _, c := range rows {
			r.Printf("| %s | %s | `%s` | %s | %s |\n", escapeCell(c.NodeName), escapeCell(c.Qualified()),
				escapeCell(c.Transformation), escapeCell(upstream(c.Upstream)), c.Confidence)
		}
		return nil
	}

	if len(rows) == 0 {
		r.Println(r.Styles().Muted.Render("No lineage rows."))
		return nil
	}
	t := table.NewWriter()
	t.SetOutputMirror(r.w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Node", "Column", "Transformation", "Upstream", "Confidence"})
	for _, c := range rows {
		t.AppendRow(table.Row{fmt.Sprintf("%d %s", c.NodeID, c.NodeName), c.Qualified(),
			c.Transformation, upstream(c.Upstream), c.Confidence.String()})
	}
	t.Render()
	return nil
}
