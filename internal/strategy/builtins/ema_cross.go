package builtins

import (
	"fmt"

	"algotrade/internal/domain"
	"algotrade/internal/indicator"
	"algotrade/internal/strategy"
)

// EMACrossName is the registry name of the EMA crossover strategy.
const EMACrossName = "ema-cross"

// Compile-time interface checks.
var (
	_ strategy.Strategy = (*EMACross)(nil)
	_ strategy.Charter  = (*EMACross)(nil)
)

// EMACross implements a moving average crossover strategy. It goes long when
// the fast EMA crosses above the slow EMA and short when it crosses below,
// and exits on the shared stop-loss and take-profit rules.
type EMACross struct {
	base
	emaFast indicator.Series
	emaSlow indicator.Series
}

// NewEMACross creates a new EMACross strategy.
func NewEMACross(p strategy.Params) (*EMACross, error) {
	if p.EMAFast >= p.EMASlow {
		return nil, fmt.Errorf("ema fast %d must be shorter than slow %d: %w", p.EMAFast, p.EMASlow, strategy.ErrInvalidParams)
	}
	return &EMACross{base: base{params: p}}, nil
}

// Name returns "ema-cross".
func (s *EMACross) Name() string {
	return EMACrossName
}

// WarmUp returns the slow EMA length.
func (s *EMACross) WarmUp() int {
	return s.params.EMASlow
}

// ApplyIndicators derives the two EMAs.
func (s *EMACross) ApplyIndicators(series domain.Series) error {
	s.load(series)
	var err error
	if s.emaFast, err = indicator.EMA(s.closes, s.params.EMAFast); err != nil {
		return fmt.Errorf("fast ema: %w", err)
	}
	if s.emaSlow, err = indicator.EMA(s.closes, s.params.EMASlow); err != nil {
		return fmt.Errorf("slow ema: %w", err)
	}
	return nil
}

// CheckEntryConditions enters in the direction of an EMA cross on bar i.
func (s *EMACross) CheckEntryConditions(i int) (domain.Decision, bool) {
	if i < 1 || i >= len(s.bars) || s.bars[i].Volume < s.params.MinVolume {
		return domain.Decision{}, false
	}
	switch {
	case strategy.CrossOver(s.emaFast, s.emaSlow, i):
		return domain.Decision{Side: domain.SideBuy, Qty: s.params.ExecQuantity, Tag: "LE"}, true
	case strategy.CrossUnder(s.emaFast, s.emaSlow, i):
		return domain.Decision{Side: domain.SideSell, Qty: s.params.ExecQuantity, Tag: "SE"}, true
	}
	return domain.Decision{}, false
}

// CheckExitConditions applies the stop-loss and take-profit rules on bar i.
func (s *EMACross) CheckExitConditions(i int, pos domain.Position) (domain.Decision, bool) {
	if i < 1 || i >= len(s.bars) {
		return domain.Decision{}, false
	}
	return s.stopOrTarget(i, pos,
		strategy.CrossUnder(s.emaFast, s.emaSlow, i),
		strategy.CrossOver(s.emaFast, s.emaSlow, i))
}

// Indicators returns the derived series for chart overlays.
func (s *EMACross) Indicators() map[string]indicator.Series {
	return map[string]indicator.Series{
		"ema_fast": s.emaFast,
		"ema_slow": s.emaSlow,
	}
}
