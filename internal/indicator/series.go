// Package indicator derives auxiliary series (EMA, ADX, Bollinger Bands,
// Stochastic) from bar data. Every function is pure and returns a series
// aligned index-for-index with its input; positions inside the warm-up
// period hold NaN and are reported as undefined by Series.At.
package indicator

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidPeriod is returned for a period or smoothing length < 1.
	ErrInvalidPeriod = errors.New("invalid indicator period")

	// ErrInsufficientData is returned when the input is shorter than the
	// indicator's warm-up period.
	ErrInsufficientData = errors.New("insufficient data for indicator")
)

// Series is a derived series aligned to a bar series. Undefined values are
// stored as NaN.
type Series []float64

// At returns the value at i and whether it is defined. Out-of-range
// indices are undefined.
func (s Series) At(i int) (float64, bool) {
	if i < 0 || i >= len(s) {
		return 0, false
	}
	v := s[i]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Defined reports whether every index in [from, to] holds a value.
func (s Series) Defined(from, to int) bool {
	for i := from; i <= to; i++ {
		if _, ok := s.At(i); !ok {
			return false
		}
	}
	return true
}

func check(n, period int) error {
	if period < 1 {
		return fmt.Errorf("period %d: %w", period, ErrInvalidPeriod)
	}
	if n < period {
		return fmt.Errorf("%d observations, need %d: %w", n, period, ErrInsufficientData)
	}
	return nil
}

func undefined(n int) Series {
	out := make(Series, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// smooth applies the recursive filter y[i] = a*x[i] + (1-a)*y[i-1], seeded
// with the first defined input.
func smooth(x []float64, alpha float64) []float64 {
	out := make([]float64, len(x))
	seeded := false
	for i, v := range x {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}
		if !seeded {
			out[i] = v
			seeded = true
			continue
		}
		prev := out[i-1]
		if math.IsNaN(prev) {
			out[i] = v
			continue
		}
		out[i] = alpha*v + (1-alpha)*prev
	}
	return out
}

// rollingMean returns the simple moving average over window values; any
// window touching an undefined input is undefined.
func rollingMean(x []float64, window int) Series {
	out := undefined(len(x))
	for i := window - 1; i < len(x); i++ {
		sum := 0.0
		ok := true
		for j := i - window + 1; j <= i; j++ {
			if math.IsNaN(x[j]) {
				ok = false
				break
			}
			sum += x[j]
		}
		if ok {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// rollingStd returns the sample standard deviation (n-1 denominator) over
// window values.
func rollingStd(x []float64, window int) Series {
	out := undefined(len(x))
	if window < 2 {
		return out
	}
	for i := window - 1; i < len(x); i++ {
		sum := 0.0
		for j := i - window + 1; j <= i; j++ {
			sum += x[j]
		}
		mean := sum / float64(window)
		ss := 0.0
		for j := i - window + 1; j <= i; j++ {
			d := x[j] - mean
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(window-1))
	}
	return out
}

func round2(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Round(v*100) / 100
}
