package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/meds-etl/internal/config"
	"github.com/mattjoyce/meds-etl/internal/state"
)

func newTable(theme Theme, headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.Header.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// RenderPlan renders the execution plan of cfg, one row per stage with its
// options in key=value form.
func RenderPlan(cfg *config.PipelineConfig, theme Theme) string {
	t := newTable(theme, "#", "Stage", "Options")
	for _, s := range cfg.Plan() {
		t.Row(strconv.Itoa(s.Index), s.Name, formatOptions(s.Options))
	}

	title := theme.Title.Render(fmt.Sprintf("%s (%s %s)",
		cfg.Name, cfg.ETLMetadata.DatasetName, cfg.ETLMetadata.DatasetVersion))
	summary := theme.Dim.Render(fmt.Sprintf(" input_dir  %s\n cohort_dir %s", cfg.InputDir, cfg.CohortDir))
	return lipgloss.JoinVertical(lipgloss.Left, title, summary, t.String())
}

// RenderRuns renders the run ledger newest first.
func RenderRuns(runs []state.Run, theme Theme) string {
	if len(runs) == 0 {
		return theme.Dim.Render("No runs recorded.")
	}
	t := newTable(theme, "Run ID", "Pipeline", "Status", "Started", "Duration", "Cohort")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = formatDuration(r.CompletedAt.Sub(r.StartedAt))
		}
		t.Row(
			r.ID,
			r.Pipeline,
			theme.Status(string(r.Status)),
			r.StartedAt.Local().Format(time.DateTime),
			duration,
			r.CohortDir,
		)
	}
	return t.String()
}

func formatOptions(opts config.StageConfig) string {
	if len(opts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+formatValue(opts[k]))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
