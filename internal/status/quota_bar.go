// Package status renders pool state for the terminal.
package status

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// QuotaBar renders a quota progress bar with a right-aligned percentage.
type QuotaBar struct {
	progress progress.Model
}

// NewQuotaBar creates a quota bar with gradient colors.
func NewQuotaBar(width int) QuotaBar {
	p := progress.New(
		progress.WithScaledGradient("#ff6b6b", "#51cf66"),
		progress.WithWidth(max(width, 5)),
		progress.WithoutPercentage(),
	)
	return QuotaBar{progress: p}
}

// View renders the bar for a 0-100 percentage.
func (q QuotaBar) View(percent int) string {
	bar := q.progress.ViewAs(float64(percent) / 100)
	percentStr := GetQuotaStyle(percent).
		Width(5).
		Align(lipgloss.Right).
		Render(fmt.Sprintf("%d%%", percent))
	return lipgloss.JoinHorizontal(lipgloss.Center, bar, " ", percentStr)
}

// ViewUnknown renders an empty bar for a model without a reading.
func (q QuotaBar) ViewUnknown() string {
	bar := lipgloss.NewStyle().Foreground(Subtle).Render(q.progress.ViewAs(0))
	return lipgloss.JoinHorizontal(lipgloss.Center, bar, " ", HelpStyle.Width(5).Align(lipgloss.Right).Render("?"))
}
