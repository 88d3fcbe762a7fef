package tui

import "github.com/charmbracelet/lipgloss"

// Theme centralizes styling for the plan tables and the run progress view.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPending lipgloss.Style
	StatusSkipped lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// Status renders a run or stage status in its color.
func (t Theme) Status(status string) string {
	switch status {
	case "succeeded":
		return t.StatusOK.Render(status)
	case "running":
		return t.StatusRunning.Render(status)
	case "failed":
		return t.StatusFailed.Render(status)
	case "skipped":
		return t.StatusSkipped.Render(status)
	default:
		return t.StatusPending.Render(status)
	}
}

// Symbol returns the single-glyph marker for a status.
func (t Theme) Symbol(status string) string {
	switch status {
	case "succeeded":
		return t.StatusOK.Render("●")
	case "running":
		return t.StatusRunning.Render("◉")
	case "failed":
		return t.StatusFailed.Render("∅")
	case "skipped":
		return t.StatusSkipped.Render("◌")
	default:
		return t.StatusPending.Render("○")
	}
}
