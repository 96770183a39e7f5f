package indicator

import (
	"math"

	"algotrade/internal/domain"
)

// EMA returns the exponential moving average of values with smoothing
// factor 2/(period+1), seeded with the first value. The first period-1
// positions are undefined.
func EMA(values []float64, period int) (Series, error) {
	if err := check(len(values), period); err != nil {
		return nil, err
	}
	out := Series(smooth(values, 2/float64(period+1)))
	for i := 0; i < period-1; i++ {
		out[i] = math.NaN()
	}
	return out, nil
}

// CloseEMA is EMA over the close prices of bars.
func CloseEMA(bars []domain.Bar, period int) (Series, error) {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return EMA(closes, period)
}
