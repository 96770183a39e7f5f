package indicator

import (
	"fmt"
	"math"

	"algotrade/internal/domain"
)

// Stoch holds the slow %K and %D lines.
type Stoch struct {
	K Series
	D Series
}

// Stochastic computes raw %K over the highest high and lowest low of the last
// period bars, then slow %K as its smooth1-bar mean and slow %D as the
// smooth2-bar mean of slow %K. Bars whose range is flat are undefined.
func Stochastic(bars []domain.Bar, period, smooth1, smooth2 int) (Stoch, error) {
	if smooth1 < 1 || smooth2 < 1 {
		return Stoch{}, fmt.Errorf("smoothing %d/%d: %w", smooth1, smooth2, ErrInvalidPeriod)
	}
	if err := check(len(bars), period); err != nil {
		return Stoch{}, err
	}

	raw := undefined(len(bars))
	for i := period - 1; i < len(bars); i++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			hi = math.Max(hi, bars[j].High)
			lo = math.Min(lo, bars[j].Low)
		}
		if hi == lo {
			continue
		}
		raw[i] = (bars[i].Close - lo) / (hi - lo) * 100
	}

	k := rollingMean(raw, smooth1)
	return Stoch{K: k, D: rollingMean(k, smooth2)}, nil
}
