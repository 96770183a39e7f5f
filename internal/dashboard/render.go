package dashboard

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"algotrade/internal/analytics"
	"algotrade/internal/domain"
	"algotrade/internal/store"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
}

// RenderReport writes monthly or yearly rows as a table.
func RenderReport(w io.Writer, rows []domain.ReportRow) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "Period\tProfit/Loss\tQty\tCommission\tSlippage\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			r.Period, FormatMoney(r.ProfitLoss), FormatInt(r.TradedQty),
			FormatMoney(r.Commission), FormatMoney(r.Slippage))
	}
	return tw.Flush()
}

// RenderOverview writes the summary statistics of a run.
func RenderOverview(w io.Writer, st analytics.OverviewStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	recovery := "-"
	if st.Recovery.Days > 0 {
		recovery = fmt.Sprintf("%d days (%s to %s)", st.Recovery.Days,
			st.Recovery.From.Format(time.DateOnly), st.Recovery.To.Format(time.DateOnly))
	}
	lines := [][2]string{
		{"Profit/Loss", FormatMoney(st.ProfitLoss)},
		{"Win rate", FormatPct(st.WinRate)},
		{"Largest winning trade", FormatMoney(st.LargestWinningTrade)},
		{"Largest losing trade", FormatMoney(st.LargestLosingTrade)},
		{"Longest recovery", recovery},
		{"Traded contracts", FormatInt(st.TradedContracts)},
		{"Daily traded avg", FormatRatio(st.DailyTradedAvg)},
		{"Commission", FormatMoney(st.Commission)},
		{"Slippage", FormatMoney(st.Slippage)},
		{"Max drawdown", FormatMoney(st.MaxDrawdown)},
		{"Max run-up", FormatMoney(st.MaxRunUp)},
		{"Profit factor", FormatRatio(st.ProfitFactor)},
		{"Sharpe ratio", FormatRatio(st.SharpeRatio)},
		{"Return/risk", FormatRatio(st.ReturnRisk)},
	}
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%s\n", l[0], l[1])
	}
	return tw.Flush()
}

// RenderPosition writes the position summary of a journal.
func RenderPosition(w io.Writer, st analytics.PositionStat) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Position\t%d\n", st.Position)
	fmt.Fprintf(tw, "Avg price\t%s\n", FormatMoney(st.AvgPrice))
	fmt.Fprintf(tw, "Traded qty\t%s\n", FormatInt(st.TradedQty))
	fmt.Fprintf(tw, "Fees\t%s\n", FormatMoney(st.Fees))
	fmt.Fprintf(tw, "Realized P&L\t%s\n", FormatMoney(st.RealizedPnL))
	return tw.Flush()
}

// RenderJournal writes one line per fill.
func RenderJournal(w io.Writer, fills []domain.Fill) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Time\tSide\tQty\tPrice\tTag")
	for _, f := range fills {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			f.Time.Format(time.DateTime), f.Side, f.Qty, f.Price.String(), f.Tag)
	}
	return tw.Flush()
}

// RenderRuns writes the run list, newest first as given.
func RenderRuns(w io.Writer, runs []store.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tStrategy\tSymbol\tRange\tStatus\tCreated")
	for _, r := range runs {
		status := r.Status
		if r.Error != "" {
			status += ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s..%s\t%s\t%s\n",
			r.ID, r.Strategy, r.Symbol,
			r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly),
			status, r.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
