// Package watch is a live terminal dashboard of a running chooser service,
// fed by its /events stream and /healthz.
package watch

import "github.com/charmbracelet/lipgloss"

type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	DotActive   lipgloss.Style
	DotInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		DotActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		DotInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// statusSymbol renders the one-cell marker of a request status.
func (t Theme) statusSymbol(status string) string {
	switch status {
	case StatusRunning:
		return t.StatusRunning.Render("◉")
	case StatusPicked:
		return t.StatusOK.Render("●")
	case StatusEmpty, StatusCancelled:
		return t.StatusIdle.Render("○")
	case StatusFailed:
		return t.StatusFailed.Render("∅")
	case StatusTimedOut:
		return t.StatusFailed.Render("◑")
	default:
		return "?"
	}
}
