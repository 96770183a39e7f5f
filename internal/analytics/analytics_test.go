package analytics

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func fill(ts string, side domain.Side, qty int64, price int64) domain.Fill {
	t, err := time.Parse(time.DateTime, ts)
	if err != nil {
		panic(err)
	}
	return domain.Fill{Time: t, Side: side, Qty: qty, Price: d(price), Tag: "MAL"}
}

// twoTrades is a winning January trade closed after midnight on 1 Feb and
// a losing February trade.
func twoTrades() []domain.Fill {
	return []domain.Fill{
		fill("2024-01-31 15:00:00", domain.SideBuy, 1, 100),
		fill("2024-02-01 01:00:00", domain.SideSell, 1, 110),
		fill("2024-02-05 14:00:00", domain.SideBuy, 1, 200),
		fill("2024-02-05 15:00:00", domain.SideSell, 1, 190),
	}
}

func TestCosts(t *testing.T) {
	c := DefaultCosts()
	if !c.CommissionPoints().Equal(decimal.RequireFromString("1.2")) {
		t.Errorf("CommissionPoints() = %s, want 1.2", c.CommissionPoints())
	}
	if !c.SlippagePoints().Equal(d(3)) {
		t.Errorf("SlippagePoints() = %s, want 3", c.SlippagePoints())
	}
	if got := (Costs{}).CommissionPoints(); !got.IsZero() {
		t.Errorf("zero point value CommissionPoints() = %s, want 0", got)
	}
	if got := HSIFees.PerContract(); !got.Equal(decimal.RequireFromString("23.54")) {
		t.Errorf("HSI fee = %s, want 23.54", got)
	}
	if got := MHIFees.For(2); !got.Equal(decimal.RequireFromString("21.2")) {
		t.Errorf("MHI fee for 2 = %s, want 21.2", got)
	}
	if _, ok := FeesFor("XYZ"); ok {
		t.Error("FeesFor(XYZ) should not be found")
	}
}

func TestMonthlyReport(t *testing.T) {
	rows := MonthlyReport(twoTrades(), DefaultCosts())
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(rows), rows)
	}

	tests := []struct {
		period     string
		pnl        int64
		qty        int64
		commission int64
		slippage   int64
	}{
		{"2024-Jan", 16, 2, 24, 60},
		{"2024-Feb", -184, 2, 24, 60},
	}
	for i, tt := range tests {
		r := rows[i]
		if r.Period != tt.period {
			t.Errorf("row %d period = %q, want %q", i, r.Period, tt.period)
		}
		if !r.ProfitLoss.Equal(d(tt.pnl)) || r.TradedQty != tt.qty {
			t.Errorf("row %d = %s/%d, want %d/%d", i, r.ProfitLoss, r.TradedQty, tt.pnl, tt.qty)
		}
		if !r.Commission.Equal(d(tt.commission)) || !r.Slippage.Equal(d(tt.slippage)) {
			t.Errorf("row %d costs = %s/%s, want %d/%d", i, r.Commission, r.Slippage, tt.commission, tt.slippage)
		}
	}

	if got := MonthlyReport(nil, DefaultCosts()); got != nil {
		t.Errorf("MonthlyReport(nil) = %+v, want nil", got)
	}
}

func TestMergeMonthlyAndTotal(t *testing.T) {
	a := []domain.ReportRow{
		{Period: "2024-Jan", ProfitLoss: d(16), TradedQty: 2, Commission: d(24), Slippage: d(60)},
		{Period: "2024-Feb", ProfitLoss: d(-184), TradedQty: 2, Commission: d(24), Slippage: d(60)},
	}
	b := []domain.ReportRow{
		{Period: "2023-Dec", ProfitLoss: d(50), TradedQty: 4, Commission: d(48), Slippage: d(120)},
		{Period: "2024-Feb", ProfitLoss: d(100), TradedQty: 2, Commission: d(24), Slippage: d(60)},
		{Period: domain.TotalPeriod, ProfitLoss: d(999)},
	}

	merged := MergeMonthly(a, b)
	want := []struct {
		period string
		pnl    int64
		qty    int64
	}{
		{"2023-Dec", 50, 4},
		{"2024-Jan", 16, 2},
		{"2024-Feb", -84, 4},
	}
	if len(merged) != len(want) {
		t.Fatalf("merged %d rows, want %d: %+v", len(merged), len(want), merged)
	}
	for i, w := range want {
		if merged[i].Period != w.period || !merged[i].ProfitLoss.Equal(d(w.pnl)) || merged[i].TradedQty != w.qty {
			t.Errorf("row %d = %+v, want %s %d %d", i, merged[i], w.period, w.pnl, w.qty)
		}
	}

	total := Total(merged)
	if total.Period != domain.TotalPeriod || !total.ProfitLoss.Equal(d(-18)) || total.TradedQty != 10 {
		t.Errorf("Total = %+v, want -18 over 10", total)
	}
	if rows := WithTotal(merged); len(rows) != 4 || rows[3].Period != domain.TotalPeriod {
		t.Errorf("WithTotal = %+v", rows)
	}
}

func TestYearlyReport(t *testing.T) {
	rows := []domain.ReportRow{
		{Period: "2023-Nov", ProfitLoss: d(10), TradedQty: 1},
		{Period: "2023-Dec", ProfitLoss: d(20), TradedQty: 2},
		{Period: "2024-Jan", ProfitLoss: d(-5), TradedQty: 1},
		{Period: domain.TotalPeriod, ProfitLoss: d(25), TradedQty: 4},
	}
	years := YearlyReport(rows)
	if len(years) != 2 {
		t.Fatalf("got %d years, want 2", len(years))
	}
	if years[0].Period != "2023" || !years[0].ProfitLoss.Equal(d(30)) || years[0].TradedQty != 3 {
		t.Errorf("2023 = %+v", years[0])
	}
	if years[1].Period != "2024" || !years[1].ProfitLoss.Equal(d(-5)) {
		t.Errorf("2024 = %+v", years[1])
	}
}

func TestDetailReportAndEquity(t *testing.T) {
	detail := DetailReport(twoTrades(), DefaultCosts())
	if len(detail) != 4 {
		t.Fatalf("got %d rows, want 4", len(detail))
	}
	if !detail[0].Amount.Equal(d(-1042)) || detail[0].Closing {
		t.Errorf("row 0 = %+v, want amount -1042 opening", detail[0])
	}
	if !detail[1].Closing || !detail[1].PnL.Equal(d(16)) || !detail[1].CumPnL.Equal(d(16)) {
		t.Errorf("row 1 = %+v, want closing pnl 16 cum 16", detail[1])
	}
	if !detail[3].Closing || !detail[3].PnL.Equal(d(-184)) || !detail[3].CumPnL.Equal(d(-168)) {
		t.Errorf("row 3 = %+v, want closing pnl -184 cum -168", detail[3])
	}

	curve := EquityCurve(detail)
	if len(curve) != 2 || !curve[1].Value.Equal(d(-168)) || !curve[1].Time.Equal(detail[3].Time) {
		t.Errorf("EquityCurve = %+v", curve)
	}
}

func TestDetailReportShortTrade(t *testing.T) {
	journal := []domain.Fill{
		fill("2024-03-04 14:00:00", domain.SideSell, 2, 100),
		fill("2024-03-04 14:30:00", domain.SideBuy, 1, 90),
		fill("2024-03-04 15:00:00", domain.SideBuy, 1, 80),
	}
	costs := Costs{PointValue: d(1), Fees: decimal.Zero, Slippage: decimal.Zero}
	detail := DetailReport(journal, costs)

	if detail[0].Closing {
		t.Error("opening short marked as closing")
	}
	if !detail[1].Closing || !detail[1].PnL.Equal(d(110)) {
		t.Errorf("partial cover = %+v, want closing pnl 110", detail[1])
	}
	if !detail[2].Closing || !detail[2].PnL.Equal(d(-80)) || !detail[2].CumPnL.Equal(d(30)) {
		t.Errorf("final cover = %+v, want pnl -80 cum 30", detail[2])
	}
}

func decimals(vs ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vs))
	for i, v := range vs {
		out[i] = d(v)
	}
	return out
}

func TestDrawdownAndRunUp(t *testing.T) {
	values := decimals(0, 10, 5, 8, 2, 12)
	wantDD := decimals(0, 0, -5, -2, -8, 0)
	wantRU := decimals(0, 10, 5, 8, 2, 12)

	dd := Drawdown(values)
	ru := RunUp(values)
	for i := range values {
		if !dd[i].Equal(wantDD[i]) {
			t.Errorf("dd[%d] = %s, want %s", i, dd[i], wantDD[i])
		}
		if !ru[i].Equal(wantRU[i]) {
			t.Errorf("ru[%d] = %s, want %s", i, ru[i], wantRU[i])
		}
	}
	if got := MaxDrawdown(values); !got.Equal(d(-8)) {
		t.Errorf("MaxDrawdown = %s, want -8", got)
	}
	if got := MaxRunUp(values); !got.Equal(d(12)) {
		t.Errorf("MaxRunUp = %s, want 12", got)
	}
	if Drawdown(nil) != nil || !MaxDrawdown(nil).IsZero() {
		t.Error("empty input should give an empty series and zero extrema")
	}
}

func TestDrawdownBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		values := make([]decimal.Decimal, 200)
		for i := range values {
			values[i] = d(rng.Int63n(2001) - 1000)
		}
		for i, v := range Drawdown(values) {
			if v.IsPositive() {
				t.Fatalf("run %d: dd[%d] = %s > 0", run, i, v)
			}
		}
		for i, v := range RunUp(values) {
			if v.IsNegative() {
				t.Fatalf("run %d: ru[%d] = %s < 0", run, i, v)
			}
		}
	}
}

func TestRecovery(t *testing.T) {
	day := func(n int, v int64) Point {
		return Point{Time: time.Date(2024, 1, 1+n, 15, 0, 0, 0, time.UTC), Value: d(v)}
	}
	curve := []Point{day(0, 10), day(1, 20), day(2, 15), day(10, 25), day(11, 30)}

	got := Recovery(curve)
	if got.Days != 9 || !got.From.Equal(curve[1].Time) || !got.To.Equal(curve[3].Time) {
		t.Errorf("Recovery = %+v, want 9 days from day 1 to day 10", got)
	}

	if got := Recovery([]Point{day(0, -5), day(3, -1)}); got.Days != 0 {
		t.Errorf("Recovery below zero = %+v, want 0 days", got)
	}
}

func TestSharpe(t *testing.T) {
	if got := Sharpe([]float64{100, 200, 100, 300}); math.Abs(got-10.5131) > 1e-3 {
		t.Errorf("Sharpe = %v, want 10.5131", got)
	}
	if got := Sharpe([]float64{100, 200}); got != 0 {
		t.Errorf("Sharpe with one change = %v, want 0", got)
	}
	if got := Sharpe([]float64{0, 100, 200, 400}); got != 0 {
		t.Errorf("Sharpe with constant changes = %v, want 0", got)
	}
}

func TestOverview(t *testing.T) {
	st := Overview(DetailReport(twoTrades(), DefaultCosts()))

	if !st.ProfitLoss.Equal(d(-168)) {
		t.Errorf("ProfitLoss = %s, want -168", st.ProfitLoss)
	}
	if st.WinRate != 0.5 {
		t.Errorf("WinRate = %v, want 0.5", st.WinRate)
	}
	if !st.LargestWinningTrade.Equal(d(16)) || !st.LargestLosingTrade.Equal(d(-184)) {
		t.Errorf("largest trades = %s/%s, want 16/-184", st.LargestWinningTrade, st.LargestLosingTrade)
	}
	if st.TradedContracts != 4 || st.DailyTradedAvg != 0.8 {
		t.Errorf("traded = %d (%v/day), want 4 (0.8/day)", st.TradedContracts, st.DailyTradedAvg)
	}
	if !st.Commission.Equal(d(48)) || !st.Slippage.Equal(d(120)) {
		t.Errorf("costs = %s/%s, want 48/120", st.Commission, st.Slippage)
	}
	if !st.MaxDrawdown.Equal(d(-184)) || !st.MaxRunUp.IsZero() {
		t.Errorf("mdd/mru = %s/%s, want -184/0", st.MaxDrawdown, st.MaxRunUp)
	}
	if st.ProfitFactor != 0.09 {
		t.Errorf("ProfitFactor = %v, want 0.09", st.ProfitFactor)
	}
	if st.SharpeRatio != 0 {
		t.Errorf("SharpeRatio = %v, want 0", st.SharpeRatio)
	}
	if st.ReturnRisk != -0.91 {
		t.Errorf("ReturnRisk = %v, want -0.91", st.ReturnRisk)
	}

	empty := Overview(nil)
	if !empty.ProfitLoss.IsZero() || empty.WinRate != 0 || empty.ReturnRisk != 0 {
		t.Errorf("Overview(nil) = %+v, want zeros", empty)
	}
}

func TestOverviewWinRateCountsBreakEven(t *testing.T) {
	journal := append(twoTrades(),
		fill("2024-02-06 14:00:00", domain.SideBuy, 1, 150),
		fill("2024-02-06 15:00:00", domain.SideSell, 1, 150),
	)
	st := Overview(DetailReport(journal, Costs{PointValue: d(10)}))

	// One win, one loss and one break-even trade.
	if st.WinRate != 0.33 {
		t.Errorf("WinRate = %v, want 0.33", st.WinRate)
	}
}

func TestPositionSummary(t *testing.T) {
	journal := []domain.Fill{
		fill("2024-03-04 14:00:00", domain.SideBuy, 2, 100),
		fill("2024-03-04 14:10:00", domain.SideSell, 1, 110),
		fill("2024-03-04 14:20:00", domain.SideSell, 1, 120),
		fill("2024-03-04 14:30:00", domain.SideBuy, 1, 150),
	}
	st := PositionSummary(journal, d(10), HSIFees)

	if st.Position != 1 || !st.AvgPrice.Equal(d(150)) || st.TradedQty != 5 {
		t.Errorf("summary = %+v, want 1 @ 150, traded 5", st)
	}
	if !st.Fees.Equal(decimal.RequireFromString("117.7")) {
		t.Errorf("Fees = %s, want 117.7", st.Fees)
	}
	if !st.RealizedPnL.Equal(decimal.RequireFromString("182.3")) {
		t.Errorf("RealizedPnL = %s, want 182.3", st.RealizedPnL)
	}
}
