package analytics

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

// DetailRow is one journal fill with its costs and, for fills that close a
// trade, the trade and cumulative profit/loss.
type DetailRow struct {
	domain.Fill
	Fees      decimal.Decimal `json:"fees"`
	Slippage  decimal.Decimal `json:"slippage"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Amount    decimal.Decimal `json:"amount"`
	Closing   bool            `json:"closing"`
	PnL       decimal.Decimal `json:"pnl"`
	CumPnL    decimal.Decimal `json:"cum_pnl"`
}

// DetailReport computes per-fill amounts. A fill that trades against the
// running inventory closes a trade; the trade P&L is the sum of amounts
// since the previous closing fill.
func DetailReport(journal []domain.Fill, c Costs) []DetailRow {
	out := make([]DetailRow, len(journal))
	var (
		inventory int64
		trade     = decimal.Zero
		cum       = decimal.Zero
	)
	for i, f := range journal {
		q := decimal.NewFromInt(f.Qty)
		row := DetailRow{
			Fill:      f,
			Fees:      c.Fees.Mul(q),
			Slippage:  c.Slippage.Mul(q),
			CostPrice: CostPrice(f),
		}
		row.Amount = row.CostPrice.Mul(c.PointValue).Sub(row.Slippage).Sub(row.Fees)

		row.Closing = inventory != 0 && (inventory > 0) != (f.Side == domain.SideBuy)
		inventory += f.Side.Sign() * f.Qty

		trade = trade.Add(row.Amount)
		cum = cum.Add(row.Amount)
		if row.Closing {
			row.PnL = trade
			row.CumPnL = cum
			trade = decimal.Zero
		}
		out[i] = row
	}
	return out
}

// Point is one equity curve sample.
type Point struct {
	Time  time.Time       `json:"time"`
	Value decimal.Decimal `json:"value"`
}

// EquityCurve returns the cumulative P&L at each closing fill.
func EquityCurve(detail []DetailRow) []Point {
	var out []Point
	for _, r := range detail {
		if r.Closing {
			out = append(out, Point{Time: r.Time, Value: r.CumPnL})
		}
	}
	return out
}

// Values extracts the curve values.
func Values(curve []Point) []decimal.Decimal {
	out := make([]decimal.Decimal, len(curve))
	for i, p := range curve {
		out[i] = p.Value
	}
	return out
}

// Drawdown returns the drawdown series of values. It starts at 0, deepens
// by every loss and recovers toward zero on gains without going positive.
func Drawdown(values []decimal.Decimal) []decimal.Decimal {
	if len(values) == 0 {
		return nil
	}
	dd := make([]decimal.Decimal, len(values))
	dd[0] = decimal.Zero
	for i := 1; i < len(values); i++ {
		next := dd[i-1].Add(values[i].Sub(values[i-1]))
		if next.IsPositive() {
			next = decimal.Zero
		}
		dd[i] = next
	}
	return dd
}

// RunUp mirrors Drawdown: it starts at 0, grows with every gain and falls
// toward zero on losses without going negative.
func RunUp(values []decimal.Decimal) []decimal.Decimal {
	if len(values) == 0 {
		return nil
	}
	ru := make([]decimal.Decimal, len(values))
	ru[0] = decimal.Zero
	for i := 1; i < len(values); i++ {
		next := ru[i-1].Add(values[i].Sub(values[i-1]))
		if next.IsNegative() {
			next = decimal.Zero
		}
		ru[i] = next
	}
	return ru
}

// MaxDrawdown returns the deepest drawdown, zero for an empty input.
func MaxDrawdown(values []decimal.Decimal) decimal.Decimal {
	m := decimal.Zero
	for _, v := range Drawdown(values) {
		if v.LessThan(m) {
			m = v
		}
	}
	return m
}

// MaxRunUp returns the highest run-up, zero for an empty input.
func MaxRunUp(values []decimal.Decimal) decimal.Decimal {
	m := decimal.Zero
	for _, v := range RunUp(values) {
		if v.GreaterThan(m) {
			m = v
		}
	}
	return m
}

// RecoveryStat is the longest time between two consecutive equity highs.
type RecoveryStat struct {
	Days int       `json:"days"`
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Recovery finds the longest gap between consecutive new highs of the
// curve. Highs are counted above zero. Days are whole days.
func Recovery(curve []Point) RecoveryStat {
	var (
		best     RecoveryStat
		bestGap  time.Duration
		high     = decimal.Zero
		lastHigh time.Time
		seen     bool
	)
	for _, p := range curve {
		if !p.Value.GreaterThan(high) {
			continue
		}
		if seen {
			if gap := p.Time.Sub(lastHigh); gap > bestGap {
				bestGap = gap
				best = RecoveryStat{Days: int(gap / (24 * time.Hour)), From: lastHigh, To: p.Time}
			}
		}
		high, lastHigh, seen = p.Value, p.Time, true
	}
	return best
}

// OverviewStats summarises a backtest.
type OverviewStats struct {
	ProfitLoss          decimal.Decimal `json:"profit_loss"`
	WinRate             float64         `json:"win_rate"`
	LargestWinningTrade decimal.Decimal `json:"largest_winning_trade"`
	LargestLosingTrade  decimal.Decimal `json:"largest_losing_trade"`
	Recovery            RecoveryStat    `json:"recovery"`
	TradedContracts     int64           `json:"traded_contracts"`
	DailyTradedAvg      float64         `json:"daily_traded_avg"`
	Commission          decimal.Decimal `json:"commission"`
	Slippage            decimal.Decimal `json:"slippage"`
	MaxDrawdown         decimal.Decimal `json:"max_drawdown"`
	MaxRunUp            decimal.Decimal `json:"max_run_up"`
	ProfitFactor        float64         `json:"profit_factor"`
	SharpeRatio         float64         `json:"sharpe_ratio"`
	ReturnRisk          float64         `json:"return_risk"`
}

const tradingDaysPerYear = 252

// Overview computes the summary statistics of a detail report.
func Overview(detail []DetailRow) OverviewStats {
	st := OverviewStats{
		ProfitLoss:          decimal.Zero,
		LargestWinningTrade: decimal.Zero,
		LargestLosingTrade:  decimal.Zero,
		Commission:          decimal.Zero,
		Slippage:            decimal.Zero,
		MaxDrawdown:         decimal.Zero,
		MaxRunUp:            decimal.Zero,
	}
	if len(detail) == 0 {
		return st
	}

	var (
		wins, closed int
		gross        = decimal.Zero
		loss         = decimal.Zero
		trades       []float64
	)
	for _, r := range detail {
		st.TradedContracts += r.Qty
		st.Commission = st.Commission.Add(r.Fees)
		st.Slippage = st.Slippage.Add(r.Slippage)
		if !r.Closing {
			continue
		}
		closed++
		st.ProfitLoss = st.ProfitLoss.Add(r.PnL)
		trades = append(trades, r.PnL.InexactFloat64())
		switch {
		case r.PnL.IsPositive():
			wins++
			gross = gross.Add(r.PnL)
		case r.PnL.IsNegative():
			loss = loss.Add(r.PnL.Abs())
		}
		if r.PnL.GreaterThan(st.LargestWinningTrade) {
			st.LargestWinningTrade = r.PnL
		}
		if r.PnL.LessThan(st.LargestLosingTrade) {
			st.LargestLosingTrade = r.PnL
		}
	}

	if closed > 0 {
		st.WinRate = round2(float64(wins) / float64(closed))
	}

	days := int(detail[len(detail)-1].Time.Sub(detail[0].Time) / (24 * time.Hour))
	st.DailyTradedAvg = round2(float64(st.TradedContracts) / float64(max(1, days)))

	curve := EquityCurve(detail)
	values := Values(curve)
	st.Recovery = Recovery(curve)
	st.MaxDrawdown = MaxDrawdown(values)
	st.MaxRunUp = MaxRunUp(values)

	st.ProfitFactor = round2(gross.Div(decimal.Max(decimal.NewFromInt(1), loss)).InexactFloat64())
	st.SharpeRatio = round2(Sharpe(trades))
	if !st.MaxDrawdown.IsZero() {
		st.ReturnRisk = round2(st.ProfitLoss.Div(st.MaxDrawdown.Neg()).InexactFloat64())
	}
	return st
}

// Sharpe annualises the mean percentage change of consecutive trade P&Ls
// by √252 over its sample standard deviation. Changes from a zero P&L are
// skipped. It returns 0 when fewer than two changes remain or the
// deviation is zero.
func Sharpe(tradePnL []float64) float64 {
	var changes []float64
	for i := 1; i < len(tradePnL); i++ {
		prev := tradePnL[i-1]
		if prev == 0 {
			continue
		}
		changes = append(changes, (tradePnL[i]-prev)/prev)
	}
	if len(changes) < 2 {
		return 0
	}

	var sum float64
	for _, c := range changes {
		sum += c
	}
	mean := sum / float64(len(changes))
	var ss float64
	for _, c := range changes {
		ss += (c - mean) * (c - mean)
	}
	std := math.Sqrt(ss / float64(len(changes)-1))
	if std == 0 {
		return 0
	}
	return mean * math.Sqrt(tradingDaysPerYear) / std
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
