// Package builtins provides the strategy implementations that ship with
// algotrade and registers them with a strategy.Registry.
package builtins

import (
	"time"

	"algotrade/internal/domain"
	"algotrade/internal/indicator"
	"algotrade/internal/strategy"
)

// Register adds every builtin strategy to reg.
func Register(reg *strategy.Registry) {
	reg.Register(MALName, func(p strategy.Params) (strategy.Strategy, error) {
		return NewMAL(p)
	})
	reg.Register(EMACrossName, func(p strategy.Params) (strategy.Strategy, error) {
		return NewEMACross(p)
	})
}

// NewRegistry returns a registry holding every builtin strategy.
func NewRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()
	Register(reg)
	return reg
}

// base holds what every builtin needs: its parameters and the loaded bars.
type base struct {
	params strategy.Params
	bars   []domain.Bar
	closes indicator.Series
}

func (b *base) load(series domain.Series) {
	b.bars = series.Bars()
	b.closes = indicator.Series(series.Closes())
}

// CheckIsTimeout applies the configured timeout rule.
func (b *base) CheckIsTimeout(t time.Time) bool {
	return b.params.Timeout.Fired(t)
}

// stopOrTarget returns the closing decision for the stop-loss and
// take-profit rules shared by the builtins. The stop compares the previous
// close with the first entry price; the target also needs the matching EMA
// cross on bar i.
func (b *base) stopOrTarget(i int, pos domain.Position, crossedDown, crossedUp bool) (domain.Decision, bool) {
	if i < 1 || pos.Flat() {
		return domain.Decision{}, false
	}
	entry := pos.FirstEntryPrice.InexactFloat64()
	prevClose := b.bars[i-1].Close
	last := b.bars[i].Close

	if pos.Inventory > 0 {
		qty := pos.Inventory
		if prevClose < entry-b.params.StopLoss {
			return domain.Decision{Side: domain.SideSell, Qty: qty, Tag: "LX SL"}, true
		}
		if crossedDown && last > entry+b.params.TakeProfit {
			return domain.Decision{Side: domain.SideSell, Qty: qty, Tag: "LX TP"}, true
		}
		return domain.Decision{}, false
	}

	qty := -pos.Inventory
	if prevClose > entry+b.params.StopLoss {
		return domain.Decision{Side: domain.SideBuy, Qty: qty, Tag: "SX SL"}, true
	}
	if crossedUp && last < entry-b.params.TakeProfit {
		return domain.Decision{Side: domain.SideBuy, Qty: qty, Tag: "SX TP"}, true
	}
	return domain.Decision{}, false
}
