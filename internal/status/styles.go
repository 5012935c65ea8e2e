package status

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/antigravity-pool/internal/services/quota"
)

// Color definitions for the Antigravity theme.
var (
	Primary   = lipgloss.Color("205") // Pink
	Secondary = lipgloss.Color("63")  // Purple
	Subtle    = lipgloss.Color("240") // Gray

	Success = lipgloss.Color("42")  // Green
	Error   = lipgloss.Color("196") // Red
	Warning = lipgloss.Color("220") // Yellow

	TextPrimary   = lipgloss.Color("252")
	TextSecondary = lipgloss.Color("245")
	TextMuted     = lipgloss.Color("240")
)

// TitleStyle is used for main headings.
var TitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Primary)

// AccountStyle styles account headings.
var AccountStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(TextPrimary)

// HelpStyle is the base style for secondary text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(TextMuted)

// LabelStyle styles model names.
var LabelStyle = lipgloss.NewStyle().
	Foreground(TextSecondary)

// TableHeaderStyle styles table headers.
var TableHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Primary).
	Padding(0, 1)

// TableCellStyle styles table cells.
var TableCellStyle = lipgloss.NewStyle().
	Padding(0, 1)

// Quota and tier styles.
var (
	QuotaHighStyle   = lipgloss.NewStyle().Foreground(Success)
	QuotaMediumStyle = lipgloss.NewStyle().Foreground(Warning)
	QuotaLowStyle    = lipgloss.NewStyle().Foreground(Error)

	TierProStyle     = lipgloss.NewStyle().Foreground(Secondary).Bold(true)
	TierFreeStyle    = lipgloss.NewStyle().Foreground(TextSecondary)
	TierUnknownStyle = lipgloss.NewStyle().Foreground(Subtle)

	ReadyStyle     = lipgloss.NewStyle().Foreground(Success).Bold(true)
	NearReadyStyle = lipgloss.NewStyle().Foreground(Warning)
	DisabledStyle  = lipgloss.NewStyle().Foreground(Error)
	StaleStyle     = lipgloss.NewStyle().Foreground(Warning).Italic(true)
)

// GetQuotaStyle returns the appropriate style based on quota percentage.
func GetQuotaStyle(percent int) lipgloss.Style {
	switch {
	case percent > 50:
		return QuotaHighStyle
	case percent > 20:
		return QuotaMediumStyle
	default:
		return QuotaLowStyle
	}
}

// GetTierStyle returns the appropriate style for an account tier.
func GetTierStyle(tier string) lipgloss.Style {
	switch quota.SubscriptionTier(tier) {
	case quota.TierPro:
		return TierProStyle
	case quota.TierFree:
		return TierFreeStyle
	default:
		return TierUnknownStyle
	}
}

// stateBadge renders the warmup state of a model.
func stateBadge(state quota.State) string {
	switch state {
	case quota.StateReady:
		return ReadyStyle.Render("READY")
	case quota.StateNearReady:
		return NearReadyStyle.Render("NEAR")
	default:
		return ""
	}
}
