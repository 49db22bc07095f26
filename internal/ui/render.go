package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/internal/strategy"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/models"
)

var (
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")
	debugColor     = lipgloss.Color("#9999ff")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("#222222"))
	footerStyle   = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
)

func section(title, body string) string {
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render(title), body))
}

func renderConnection(stats stream.Stats) string {
	var style lipgloss.Style
	switch stats.State {
	case models.Connected:
		style = lipgloss.NewStyle().Foreground(successColor)
	case models.Degraded, models.Connecting:
		style = lipgloss.NewStyle().Foreground(warningColor)
	case models.Failed:
		style = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	default:
		style = lipgloss.NewStyle()
	}
	return fmt.Sprintf("  %s  markets %d  delivered %d  dropped %d  unrouted %d  reconnects %d",
		style.Render(strings.ToUpper(stats.State.String())),
		len(stats.Markets), stats.Delivered, stats.Dropped, stats.Unrouted, stats.Reconnects)
}

func renderRankings(ranking models.OpportunityRanking, thresholds strategy.Thresholds, selected int) string {
	if len(ranking) == 0 {
		return "  Waiting for data...\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %-3s %-12s %9s %-5s %6s %6s %6s %6s %12s %9s\n",
		"#", "MARKET", "COMPOSITE", "SIG", "MOM", "VOL", "VLTY", "OB", "PRICE", "FUNDING"))
	for i, r := range ranking {
		s := r.Signals
		line := fmt.Sprintf("  %-3d %-12s %9.2f %-5s %6.1f %6.1f %6.1f %6.1f %12.4f %8.4f%%",
			i+1, r.MarketID, r.Composite, formatSignal(thresholds.Classify(r.Composite)),
			s.Momentum, s.Volume, s.Volatility, s.OrderbookImbalance, s.Price, s.FundingRate*100)
		if i == selected {
			line = selectedStyle.Render(">" + line[1:])
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatSignal(sig strategy.Signal) string {
	var style lipgloss.Style
	switch sig {
	case strategy.Buy:
		style = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	case strategy.Sell:
		style = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	default:
		style = lipgloss.NewStyle().Foreground(warningColor)
	}
	return style.Render(fmt.Sprintf("%-5s", sig.String()))
}

func renderAccount(acc risk.AccountMarginState) string {
	var b strings.Builder
	util := "n/a"
	if u, ok := acc.Utilization(); ok {
		util = u.Mul(hundred).StringFixed(2) + "%"
	}
	b.WriteString(fmt.Sprintf("  balance %s  equity %s  used margin %s  utilization %s\n",
		acc.Balance.StringFixed(2), acc.Equity.StringFixed(2), acc.UsedMargin.StringFixed(2), util))

	for _, id := range sortedPositions(acc) {
		p := acc.Positions[id]
		dist := p.LiquidationDistance()
		line := fmt.Sprintf("  %-12s size %s entry %s mark %s liq %s dist %s%%",
			id, p.Size.String(), p.EntryPrice.StringFixed(4), p.MarkPrice.StringFixed(4),
			p.LiquidationPrice.StringFixed(4), dist.Mul(hundred).StringFixed(2))
		b.WriteString(line + "\n")
	}
	return b.String()
}

func renderLogs(logs []string, limit int) string {
	start := 0
	if len(logs) > limit {
		start = len(logs) - limit
	}

	var b strings.Builder
	for _, line := range logs[start:] {
		switch {
		case strings.Contains(line, "[ERROR]"):
			line = lipgloss.NewStyle().Foreground(errorColor).Render(line)
		case strings.Contains(line, "[WARN]"):
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		case strings.Contains(line, "[INFO]"):
			line = lipgloss.NewStyle().Foreground(successColor).Render(line)
		case strings.Contains(line, "[DEBUG]"):
			line = lipgloss.NewStyle().Foreground(debugColor).Render(line)
		}
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}
