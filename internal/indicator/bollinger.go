package indicator

// Bands holds the three Bollinger lines, each aligned to the input.
type Bands struct {
	Upper  Series
	Middle Series
	Lower  Series
}

// Bollinger returns the rolling mean of values over period and the bands k
// sample standard deviations above and below it. Values are rounded to two
// decimal places.
func Bollinger(values []float64, period int, k float64) (Bands, error) {
	if err := check(len(values), period); err != nil {
		return Bands{}, err
	}
	mean := rollingMean(values, period)
	std := rollingStd(values, period)

	b := Bands{
		Upper:  undefined(len(values)),
		Middle: undefined(len(values)),
		Lower:  undefined(len(values)),
	}
	for i := range values {
		m, ok := mean.At(i)
		if !ok {
			continue
		}
		b.Middle[i] = round2(m)
		sd, ok := std.At(i)
		if !ok {
			continue
		}
		b.Upper[i] = round2(m + k*sd)
		b.Lower[i] = round2(m - k*sd)
	}
	return b, nil
}
