package indicator

import (
	"math"

	"algotrade/internal/domain"
)

// adxAlphaScale/period is the smoothing factor applied to every ADX
// component.
const adxAlphaScale = 1.015

// ADX returns the Average Directional Index over bars. True range and the
// directional movements are smoothed with alpha = 1.015/period; the first
// period positions are undefined.
func ADX(bars []domain.Bar, period int) (Series, error) {
	n := len(bars)
	if period < 1 {
		return nil, ErrInvalidPeriod
	}
	if err := check(n, period+1); err != nil {
		return nil, err
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < n; i++ {
		b, p := bars[i], bars[i-1]
		tr[i] = math.Max(b.High-b.Low, math.Max(math.Abs(b.High-p.Close), math.Abs(b.Low-p.Close)))

		up := b.High - p.High
		down := p.Low - b.Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	alpha := adxAlphaScale / float64(period)
	atr := smooth(tr, alpha)
	sPlus := smooth(plusDM, alpha)
	sMinus := smooth(minusDM, alpha)

	dx := make([]float64, n)
	for i := range dx {
		if atr[i] == 0 {
			continue
		}
		pdi := sPlus[i] / atr[i] * 100
		mdi := sMinus[i] / atr[i] * 100
		if sum := pdi + mdi; sum != 0 {
			dx[i] = math.Abs(pdi-mdi) / sum * 100
		}
	}

	out := Series(smooth(dx, alpha))
	for i := 0; i < period; i++ {
		out[i] = math.NaN()
	}
	return out, nil
}
