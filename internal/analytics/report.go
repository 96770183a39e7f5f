package analytics

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

// sessionRolloverHour is the last hour of the clock that still belongs to
// the previous trading session.
const sessionRolloverHour = 3

// MonthlyReport aggregates a time-ordered journal into one row per month.
// A new month starts at the first fill whose month differs from the current
// one and whose hour is past the session rollover, so fills of a session
// running past midnight stay in the month the session started in.
func MonthlyReport(journal []domain.Fill, c Costs) []domain.ReportRow {
	if len(journal) == 0 {
		return nil
	}

	var (
		rows  []domain.ReportRow
		pnl   = decimal.Zero
		qty   int64
		month = journal[0].Time.Month()
		label = journal[0].Time.Format(domain.PeriodLayout)
	)
	for _, f := range journal {
		if f.Time.Month() != month && f.Time.Hour() > sessionRolloverHour {
			rows = append(rows, monthRow(label, pnl, qty, c))
			month = f.Time.Month()
			label = f.Time.Format(domain.PeriodLayout)
			pnl, qty = decimal.Zero, 0
		}
		pnl = pnl.Add(CostPrice(f))
		qty += f.Qty
	}
	return append(rows, monthRow(label, pnl, qty, c))
}

func monthRow(period string, pnl decimal.Decimal, qty int64, c Costs) domain.ReportRow {
	q := decimal.NewFromInt(qty)
	commission := c.CommissionPoints().Mul(q).Mul(c.PointValue)
	slippage := c.SlippagePoints().Mul(q).Mul(c.PointValue)
	return domain.ReportRow{
		Period:     period,
		ProfitLoss: pnl.Mul(c.PointValue).Sub(commission).Sub(slippage),
		TradedQty:  qty,
		Commission: commission,
		Slippage:   slippage,
	}
}

// MergeMonthly sums rows sharing a period and returns them in calendar
// order. Total rows are ignored.
func MergeMonthly(reports ...[]domain.ReportRow) []domain.ReportRow {
	byPeriod := make(map[string]domain.ReportRow)
	for _, rows := range reports {
		for _, r := range rows {
			if r.Period == domain.TotalPeriod {
				continue
			}
			if cur, ok := byPeriod[r.Period]; ok {
				byPeriod[r.Period] = cur.Add(r)
			} else {
				byPeriod[r.Period] = r
			}
		}
	}

	out := make([]domain.ReportRow, 0, len(byPeriod))
	for _, r := range byPeriod {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return periodTime(out[i].Period).Before(periodTime(out[j].Period))
	})
	return out
}

// periodTime parses a period key; unparseable keys sort first.
func periodTime(p string) time.Time {
	t, err := time.Parse(domain.PeriodLayout, p)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Total returns the sum of rows as a row with period "Total".
func Total(rows []domain.ReportRow) domain.ReportRow {
	total := domain.ReportRow{
		Period:     domain.TotalPeriod,
		ProfitLoss: decimal.Zero,
		Commission: decimal.Zero,
		Slippage:   decimal.Zero,
	}
	for _, r := range rows {
		if r.Period == domain.TotalPeriod {
			continue
		}
		total = total.Add(r)
	}
	return total
}

// WithTotal returns rows followed by their total row.
func WithTotal(rows []domain.ReportRow) []domain.ReportRow {
	out := make([]domain.ReportRow, 0, len(rows)+1)
	out = append(out, rows...)
	return append(out, Total(rows))
}

// YearlyReport groups monthly rows by calendar year. The period of each
// returned row is the four-digit year.
func YearlyReport(monthly []domain.ReportRow) []domain.ReportRow {
	byYear := make(map[int]domain.ReportRow)
	for _, r := range monthly {
		if r.Period == domain.TotalPeriod {
			continue
		}
		t, err := time.Parse(domain.PeriodLayout, r.Period)
		if err != nil {
			continue
		}
		y := t.Year()
		if cur, ok := byYear[y]; ok {
			byYear[y] = cur.Add(r)
		} else {
			r.Period = strconv.Itoa(y)
			byYear[y] = r
		}
	}

	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)
	out := make([]domain.ReportRow, len(years))
	for i, y := range years {
		out[i] = byYear[y]
	}
	return out
}
