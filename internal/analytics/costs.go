// Package analytics turns trade journals into performance reports: monthly
// and yearly profit/loss rows, the per-fill detail report, the equity curve
// with its drawdown and run-up series, overview statistics and the live
// position summary. Money is carried as decimal.Decimal throughout.
package analytics

import (
	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

// Costs are the per-contract trading costs in money, and the money value of
// one index point.
type Costs struct {
	Fees       decimal.Decimal `json:"fees" yaml:"fees"`
	Slippage   decimal.Decimal `json:"slippage" yaml:"slippage"`
	PointValue decimal.Decimal `json:"point_value" yaml:"point_value"`
}

// DefaultCosts returns the Hang Seng index future backtest costs.
func DefaultCosts() Costs {
	return Costs{
		Fees:       decimal.NewFromInt(12),
		Slippage:   decimal.NewFromInt(30),
		PointValue: decimal.NewFromInt(10),
	}
}

// CommissionPoints returns the fees per contract expressed in points.
func (c Costs) CommissionPoints() decimal.Decimal {
	if c.PointValue.IsZero() {
		return decimal.Zero
	}
	return c.Fees.Div(c.PointValue)
}

// SlippagePoints returns the slippage per contract expressed in points.
func (c Costs) SlippagePoints() decimal.Decimal {
	if c.PointValue.IsZero() {
		return decimal.Zero
	}
	return c.Slippage.Div(c.PointValue)
}

// CostPrice is the signed notional of a fill in points: positive for a
// sell, negative for a buy.
func CostPrice(f domain.Fill) decimal.Decimal {
	v := f.Price.Mul(decimal.NewFromInt(f.Qty))
	if f.Side == domain.SideBuy {
		return v.Neg()
	}
	return v
}

// FeeSchedule is a broker fee table per contract.
type FeeSchedule struct {
	Commission decimal.Decimal `json:"commission"`
	Platform   decimal.Decimal `json:"platform"`
	Exchange   decimal.Decimal `json:"exchange"`
	Levy       decimal.Decimal `json:"levy"`
}

// Fee schedules of the Hang Seng index futures.
var (
	HSIFees = FeeSchedule{
		Commission: decimal.NewFromInt(8),
		Platform:   decimal.NewFromInt(5),
		Exchange:   decimal.NewFromInt(10),
		Levy:       decimal.RequireFromString("0.54"),
	}
	MHIFees = FeeSchedule{
		Commission: decimal.NewFromInt(2),
		Platform:   decimal.NewFromInt(5),
		Exchange:   decimal.RequireFromString("3.5"),
		Levy:       decimal.RequireFromString("0.1"),
	}
)

// PerContract returns the total fee for one contract.
func (f FeeSchedule) PerContract() decimal.Decimal {
	return f.Commission.Add(f.Platform).Add(f.Exchange).Add(f.Levy)
}

// For returns the fee for qty contracts.
func (f FeeSchedule) For(qty int64) decimal.Decimal {
	return f.PerContract().Mul(decimal.NewFromInt(qty))
}

// FeesFor returns the schedule for a product code ("HSI" or "MHI").
func FeesFor(product string) (FeeSchedule, bool) {
	switch product {
	case "HSI":
		return HSIFees, true
	case "MHI":
		return MHIFees, true
	}
	return FeeSchedule{}, false
}
