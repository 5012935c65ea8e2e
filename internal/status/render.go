package status

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"
	"github.com/guptarohit/asciigraph"

	"github.com/j-veylop/antigravity-pool/internal/db"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services"
	"github.com/j-veylop/antigravity-pool/internal/services/quota"
)

// Options controls rendering.
type Options struct {
	Width     int
	NearReady int
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = 80
	}
	if o.NearReady <= 0 {
		o.NearReady = quota.DefaultNearReadyThreshold
	}
	return o
}

// labelWidth is the column reserved for model names.
const labelWidth = 28

// RenderStatus renders every account with a bar per model.
func RenderStatus(overview []services.AccountQuota, stats services.Stats, opts Options) string {
	opts = opts.withDefaults()

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Antigravity pool"))
	b.WriteString(HelpStyle.Render(fmt.Sprintf("  %d accounts, %d eligible, %d cached, %d cooling down",
		stats.AccountCount, stats.Eligible, stats.QuotaCached, stats.CoolingDown)))
	b.WriteString("\n")

	if len(overview) == 0 {
		b.WriteString("\n")
		b.WriteString(HelpStyle.Render("No accounts configured. Import some with `agpool accounts import`."))
		b.WriteString("\n")
		return b.String()
	}

	// Leave room for the label, percentage, state badge and reset time.
	bar := NewQuotaBar(opts.Width - labelWidth - 38)
	for _, aq := range overview {
		b.WriteString("\n")
		b.WriteString(renderAccountHeader(aq, opts.Width))
		b.WriteString("\n")
		b.WriteString(renderModels(aq.Snapshot, bar, opts))
	}
	return b.String()
}

func renderAccountHeader(aq services.AccountQuota, width int) string {
	acc := aq.Account
	parts := []string{AccountStyle.Render(acc.Email)}

	tier := acc.Tier
	if aq.Snapshot != nil && aq.Snapshot.Tier != "" {
		tier = aq.Snapshot.Tier
	}
	if tier != "" {
		parts = append(parts, GetTierStyle(strings.ToUpper(tier)).Render(tier))
	}
	if acc.ProjectID != "" {
		parts = append(parts, HelpStyle.Render(acc.ProjectID))
	}
	switch {
	case acc.Disabled:
		parts = append(parts, DisabledStyle.Render("disabled"))
	case acc.ProxyDisabled:
		parts = append(parts, DisabledStyle.Render("excluded from routing"))
	}
	if aq.Snapshot != nil && aq.Snapshot.Stale {
		label := "stale"
		if !aq.Snapshot.FetchedAt.IsZero() {
			label += ", as of " + aq.Snapshot.FetchedAt.Format("Jan 2 15:04")
		}
		parts = append(parts, StaleStyle.Render(label))
	}

	return ansi.Truncate(strings.Join(parts, "  "), width, "…")
}

func renderModels(snap *models.QuotaSnapshot, bar QuotaBar, opts Options) string {
	if snap == nil || len(snap.Models) == 0 {
		return "  " + HelpStyle.Render("no quota data") + "\n"
	}

	var b strings.Builder
	for _, name := range snap.ModelNames() {
		mq := snap.Models[name]
		label := LabelStyle.Width(labelWidth).Render(ansi.Truncate(name, labelWidth-1, "…"))

		line := lipgloss.JoinHorizontal(lipgloss.Center,
			"  ", label, bar.View(mq.Percent), " ", stateBadge(quota.Classify(mq.Percent, opts.NearReady)))
		if mq.ResetTime != nil && mq.Percent < 100 {
			line += HelpStyle.Render("  resets in " + quota.FormatResetTime(*mq.ResetTime))
		}
		b.WriteString(ansi.Truncate(line, opts.Width, ""))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderHistory plots an account's quota readings for one model.
func RenderHistory(points []db.QuotaPoint, email, model string, width, height int) string {
	if len(points) == 0 {
		return HelpStyle.Render("No data available")
	}

	width = max(width, 20)
	height = max(height, 3)

	data := make([]float64, len(points))
	for i, p := range points {
		data[i] = float64(p.Percent)
	}

	caption := fmt.Sprintf("%s %s (%s to %s)", email, model,
		points[0].Timestamp.Format(time.DateTime), points[len(points)-1].Timestamp.Format(time.DateTime))

	return asciigraph.Plot(data,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.LowerBound(0),
		asciigraph.UpperBound(100),
		asciigraph.Precision(0),
		asciigraph.Caption(caption),
	)
}

// RenderCalls renders recent upstream calls as a table.
func RenderCalls(calls []models.APICall) string {
	if len(calls) == 0 {
		return HelpStyle.Render("No calls recorded")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Subtle)).
		Headers("TIME", "ACCOUNT", "MODEL", "PATH", "STATUS", "MS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return TableCellStyle
		})

	for _, c := range calls {
		status := strconv.Itoa(c.StatusCode)
		switch {
		case c.StatusCode == 0:
			status = QuotaLowStyle.Render("ERR")
		case c.StatusCode >= 400:
			status = QuotaLowStyle.Render(status)
		default:
			status = QuotaHighStyle.Render(status)
		}
		t.Row(
			c.Timestamp.Format("15:04:05"),
			ansi.Truncate(c.Email, 28, "…"),
			ansi.Truncate(c.Model, 24, "…"),
			ansi.Truncate(strings.TrimPrefix(c.Path, "/v1internal:"), 22, "…"),
			status,
			strconv.Itoa(c.DurationMs),
		)
	}

	return t.String()
}
