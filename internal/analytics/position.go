package analytics

import (
	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

// PositionStat is the live position summary of a strategy's journal.
type PositionStat struct {
	Position    int64           `json:"position"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	TradedQty   int64           `json:"traded_qty"`
	Fees        decimal.Decimal `json:"fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// PositionSummary replays journal in order. Each time the position returns
// to flat the sell minus buy notional is realized; the average price is the
// net notional of the open fills over the open position.
func PositionSummary(journal []domain.Fill, pointValue decimal.Decimal, fees FeeSchedule) PositionStat {
	var (
		position int64
		traded   int64
		bought   = decimal.Zero
		sold     = decimal.Zero
		realized = decimal.Zero
	)
	for _, f := range journal {
		notional := f.Price.Mul(decimal.NewFromInt(f.Qty))
		if f.Side == domain.SideBuy {
			position += f.Qty
			bought = bought.Add(notional)
		} else {
			position -= f.Qty
			sold = sold.Add(notional)
		}
		traded += f.Qty
		if position == 0 {
			realized = realized.Add(sold.Sub(bought))
			bought, sold = decimal.Zero, decimal.Zero
		}
	}

	avg := decimal.Zero
	if position != 0 {
		avg = bought.Sub(sold).Div(decimal.NewFromInt(position)).Abs()
	}
	fee := fees.For(traded)
	return PositionStat{
		Position:    position,
		AvgPrice:    avg,
		TradedQty:   traded,
		Fees:        fee,
		RealizedPnL: realized.Mul(pointValue).Sub(fee),
	}
}
