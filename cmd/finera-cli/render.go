package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"finera/internal/backtest"
	"finera/internal/store"
	"finera/pkg/finera"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10)
	gainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
)

func signed(v float64, format string) string {
	s := fmt.Sprintf(format, v)
	switch {
	case v > 0:
		return gainStyle.Render(s)
	case v < 0:
		return lossStyle.Render(s)
	}
	return s
}

func printSummary(w io.Writer, res *backtest.Result) {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s  %s", res.Ticker, res.Strategy)))
	b.WriteString(" " + dimStyle.Render(res.RunID) + "\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + " " + value + "\n")
	}
	row("return", signed(res.Returns, "%.2f%%"))
	row("sharpe", signed(res.Sharpe, "%.2f"))
	row("drawdown", lossStyle.Render(fmt.Sprintf("%.2f%%", res.Drawdown)))
	row("beta", res.Beta.String())
	row("trades", fmt.Sprintf("%d  win rate %.1f%%  fees %.2f", res.Summary.Trades, res.Summary.WinRatePct, res.Summary.TotalFees))
	row("exposure", fmt.Sprintf("%.1f%%", res.Summary.ExposurePct))
	row("equity", signed(res.Summary.FinalEquity-res.Capital, "%+.2f")+dimStyle.Render(fmt.Sprintf(" (%.2f)", res.Summary.FinalEquity)))
	if n := len(res.Skipped); n > 0 {
		row("skipped", fmt.Sprintf("%d orders", n))
	}
	fmt.Fprint(w, b.String())
}

type listRow struct {
	ticker, period, strategy string
	capital                  float64
	created                  string
}

func storedRows(recs []store.ResultRecord) []listRow {
	rows := make([]listRow, len(recs))
	for i, r := range recs {
		rows[i] = listRow{r.Ticker, r.Period, r.Strategy, r.Capital, r.CreatedAt.Format("2006-01-02 15:04")}
	}
	return rows
}

func remoteRows(recs []finera.StoredResult) []listRow {
	rows := make([]listRow, len(recs))
	for i, r := range recs {
		rows[i] = listRow{r.Ticker, r.Period, r.Strategy, r.Capital, r.CreatedAt.Format("2006-01-02 15:04")}
	}
	return rows
}

func printResults(w io.Writer, rows []listRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no stored results"))
		return
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s %-21s %-16s %12.2f %s\n",
			symbolStyle.Render(fmt.Sprintf("%-8s", r.ticker)), r.period, r.strategy, r.capital, dimStyle.Render(r.created))
	}
}
