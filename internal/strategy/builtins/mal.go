package builtins

import (
	"fmt"

	"algotrade/internal/domain"
	"algotrade/internal/indicator"
	"algotrade/internal/strategy"
)

// MALName is the registry name of the MAL strategy.
const MALName = "MAL"

const (
	bollingerPeriod = 20
	bollingerWidth  = 2.0
)

// Compile-time interface checks.
var (
	_ strategy.Strategy = (*MAL)(nil)
	_ strategy.Charter  = (*MAL)(nil)
)

// MAL is a long-only intraday trend entry taken after a quiet market.
//
// Entry (flat, inside the order window): bar volume of at least MinVolume,
// fast EMA above slow EMA with the close crossing over the slow EMA on the
// bar, and ADX below ADXLow on each of the last ADXQuietBars bars.
//
// Exit: stop-loss when the previous close is StopLoss points beyond the
// first entry price; take-profit when the fast EMA crosses under the slow
// EMA while the close is TakeProfit points in favour. Timeouts are handled
// by the Machine.
type MAL struct {
	base
	emaFast indicator.Series
	emaSlow indicator.Series
	adx     indicator.Series
	bands   indicator.Bands
}

// NewMAL creates a MAL strategy.
func NewMAL(p strategy.Params) (*MAL, error) {
	if p.ADXPeriod < 1 || p.ADXQuietBars < 1 {
		return nil, fmt.Errorf("adx period %d, quiet bars %d: %w", p.ADXPeriod, p.ADXQuietBars, strategy.ErrInvalidParams)
	}
	if p.EMAFast >= p.EMASlow {
		return nil, fmt.Errorf("ema fast %d must be shorter than slow %d: %w", p.EMAFast, p.EMASlow, strategy.ErrInvalidParams)
	}
	return &MAL{base: base{params: p}}, nil
}

// Name returns "MAL".
func (m *MAL) Name() string { return MALName }

// WarmUp returns the first index at which every indicator can be defined.
func (m *MAL) WarmUp() int {
	w := m.params.EMASlow
	if adx := m.params.ADXPeriod + m.params.ADXQuietBars; adx > w {
		w = adx
	}
	return w
}

// ApplyIndicators derives the EMAs, ADX and Bollinger Bands.
func (m *MAL) ApplyIndicators(series domain.Series) error {
	m.load(series)
	closes := []float64(m.closes)

	var err error
	if m.emaFast, err = indicator.EMA(closes, m.params.EMAFast); err != nil {
		return fmt.Errorf("fast ema: %w", err)
	}
	if m.emaSlow, err = indicator.EMA(closes, m.params.EMASlow); err != nil {
		return fmt.Errorf("slow ema: %w", err)
	}
	if m.adx, err = indicator.ADX(m.bars, m.params.ADXPeriod); err != nil {
		return fmt.Errorf("adx: %w", err)
	}
	if m.bands, err = indicator.Bollinger(closes, bollingerPeriod, bollingerWidth); err != nil {
		return fmt.Errorf("bollinger: %w", err)
	}
	return nil
}

// CheckEntryConditions evaluates the long entry on bar i.
func (m *MAL) CheckEntryConditions(i int) (domain.Decision, bool) {
	if i < 1 || i >= len(m.bars) {
		return domain.Decision{}, false
	}
	if m.bars[i].Volume < m.params.MinVolume {
		return domain.Decision{}, false
	}

	fast, ok1 := m.emaFast.At(i)
	slow, ok2 := m.emaSlow.At(i)
	if !ok1 || !ok2 || fast <= slow {
		return domain.Decision{}, false
	}
	if !strategy.CrossOver(m.closes, m.emaSlow, i) {
		return domain.Decision{}, false
	}
	if !m.quiet(i) {
		return domain.Decision{}, false
	}
	return domain.Decision{Side: domain.SideBuy, Qty: m.params.ExecQuantity, Tag: "LE"}, true
}

// quiet reports whether ADX stayed below ADXLow on the ADXQuietBars bars
// ending at i.
func (m *MAL) quiet(i int) bool {
	n := m.params.ADXQuietBars
	if i-n+1 < 0 {
		return false
	}
	for j := i - n + 1; j <= i; j++ {
		v, ok := m.adx.At(j)
		if !ok || v >= m.params.ADXLow {
			return false
		}
	}
	return true
}

// CheckExitConditions evaluates stop-loss, then take-profit, on bar i.
func (m *MAL) CheckExitConditions(i int, pos domain.Position) (domain.Decision, bool) {
	if i < 1 || i >= len(m.bars) {
		return domain.Decision{}, false
	}
	return m.stopOrTarget(i, pos,
		strategy.CrossUnder(m.emaFast, m.emaSlow, i),
		strategy.CrossOver(m.emaFast, m.emaSlow, i))
}

// Indicators returns the derived series for chart overlays.
func (m *MAL) Indicators() map[string]indicator.Series {
	return map[string]indicator.Series{
		"ema_fast":  m.emaFast,
		"ema_slow":  m.emaSlow,
		"adx":       m.adx,
		"bb_upper":  m.bands.Upper,
		"bb_middle": m.bands.Middle,
		"bb_lower":  m.bands.Lower,
	}
}
