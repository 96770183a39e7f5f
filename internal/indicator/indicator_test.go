package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"algotrade/internal/domain"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func barsFromCloses(closes ...float64) []domain.Bar {
	start := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
		}
	}
	return bars
}

func TestSeriesAt(t *testing.T) {
	s := Series{1, math.NaN(), 3}
	if v, ok := s.At(0); !ok || v != 1 {
		t.Errorf("At(0) = %v, %v", v, ok)
	}
	if _, ok := s.At(1); ok {
		t.Error("At(1) should be undefined")
	}
	if _, ok := s.At(-1); ok {
		t.Error("At(-1) should be undefined")
	}
	if _, ok := s.At(3); ok {
		t.Error("At(3) should be undefined")
	}
	if s.Defined(0, 2) {
		t.Error("Defined(0, 2) should be false")
	}
	if !s.Defined(2, 2) {
		t.Error("Defined(2, 2) should be true")
	}
}

func TestEMA(t *testing.T) {
	got, err := EMA([]float64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("EMA: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for _, i := range []int{0, 1} {
		if _, ok := got.At(i); ok {
			t.Errorf("EMA[%d] defined during warm-up", i)
		}
	}
	want := map[int]float64{2: 2.25, 3: 3.125, 4: 4.0625}
	for i, w := range want {
		if v, ok := got.At(i); !ok || !approx(v, w) {
			t.Errorf("EMA[%d] = %v (%v), want %v", i, v, ok, w)
		}
	}
}

func TestEMAConstant(t *testing.T) {
	vals := make([]float64, 50)
	for i := range vals {
		vals[i] = 20000
	}
	got, err := EMA(vals, 10)
	if err != nil {
		t.Fatalf("EMA: %v", err)
	}
	for i := 9; i < len(got); i++ {
		if !approx(got[i], 20000) {
			t.Fatalf("EMA[%d] = %v, want 20000", i, got[i])
		}
	}
}

func TestEMAErrors(t *testing.T) {
	if _, err := EMA([]float64{1, 2}, 3); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("short input error = %v, want ErrInsufficientData", err)
	}
	if _, err := EMA([]float64{1, 2}, 0); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("zero period error = %v, want ErrInvalidPeriod", err)
	}
}

func TestCloseEMA(t *testing.T) {
	got, err := CloseEMA(barsFromCloses(1, 2, 3, 4, 5), 3)
	if err != nil {
		t.Fatalf("CloseEMA: %v", err)
	}
	if v, _ := got.At(4); !approx(v, 4.0625) {
		t.Errorf("CloseEMA[4] = %v, want 4.0625", v)
	}
}

func TestADXTrending(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 20000 + float64(i)*5
	}
	got, err := ADX(barsFromCloses(closes...), 14)
	if err != nil {
		t.Fatalf("ADX: %v", err)
	}
	for i := 0; i < 14; i++ {
		if _, ok := got.At(i); ok {
			t.Errorf("ADX[%d] defined during warm-up", i)
		}
	}
	prev := 0.0
	for i := 14; i < len(got); i++ {
		v, ok := got.At(i)
		if !ok {
			t.Fatalf("ADX[%d] undefined", i)
		}
		if v < 0 || v > 100 {
			t.Fatalf("ADX[%d] = %v out of [0, 100]", i, v)
		}
		if v < prev {
			t.Fatalf("ADX[%d] = %v decreased from %v in a steady trend", i, v, prev)
		}
		prev = v
	}
	if prev < 50 {
		t.Errorf("ADX after steady trend = %v, want > 50", prev)
	}
}

func TestADXQuietMarket(t *testing.T) {
	bars := make([]domain.Bar, 30)
	start := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = domain.Bar{Timestamp: start.Add(time.Duration(i) * time.Minute), Open: 100, High: 100, Low: 100, Close: 100}
	}
	got, err := ADX(bars, 14)
	if err != nil {
		t.Fatalf("ADX: %v", err)
	}
	for i := 14; i < len(got); i++ {
		if v, ok := got.At(i); !ok || v != 0 {
			t.Fatalf("ADX[%d] = %v (%v), want 0", i, v, ok)
		}
	}
}

func TestADXErrors(t *testing.T) {
	if _, err := ADX(barsFromCloses(1, 2, 3), 14); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("short input error = %v, want ErrInsufficientData", err)
	}
	if _, err := ADX(barsFromCloses(1, 2, 3), 0); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("zero period error = %v, want ErrInvalidPeriod", err)
	}
}

func TestBollinger(t *testing.T) {
	got, err := Bollinger([]float64{1, 2, 3, 4, 5}, 3, 2)
	if err != nil {
		t.Fatalf("Bollinger: %v", err)
	}
	if _, ok := got.Middle.At(1); ok {
		t.Error("Middle[1] defined during warm-up")
	}
	tests := []struct {
		i                    int
		upper, middle, lower float64
	}{
		{2, 4, 2, 0},
		{4, 6, 4, 2},
	}
	for _, tt := range tests {
		u, _ := got.Upper.At(tt.i)
		m, _ := got.Middle.At(tt.i)
		l, _ := got.Lower.At(tt.i)
		if !approx(u, tt.upper) || !approx(m, tt.middle) || !approx(l, tt.lower) {
			t.Errorf("bands[%d] = %v/%v/%v, want %v/%v/%v", tt.i, u, m, l, tt.upper, tt.middle, tt.lower)
		}
	}
}

func TestBollingerRounding(t *testing.T) {
	got, err := Bollinger([]float64{1, 1, 2}, 3, 1)
	if err != nil {
		t.Fatalf("Bollinger: %v", err)
	}
	// mean 1.333..., sample std 0.577...
	if m, _ := got.Middle.At(2); m != 1.33 {
		t.Errorf("Middle[2] = %v, want 1.33", m)
	}
	if u, _ := got.Upper.At(2); u != 1.91 {
		t.Errorf("Upper[2] = %v, want 1.91", u)
	}
}

func TestStochastic(t *testing.T) {
	got, err := Stochastic(barsFromCloses(10, 11, 12, 13, 14), 3, 1, 2)
	if err != nil {
		t.Fatalf("Stochastic: %v", err)
	}
	for i := 2; i < 5; i++ {
		if v, ok := got.K.At(i); !ok || !approx(v, 75) {
			t.Errorf("K[%d] = %v (%v), want 75", i, v, ok)
		}
	}
	if _, ok := got.D.At(2); ok {
		t.Error("D[2] should be undefined")
	}
	if v, ok := got.D.At(3); !ok || !approx(v, 75) {
		t.Errorf("D[3] = %v (%v), want 75", v, ok)
	}
}

func TestStochasticFlatRange(t *testing.T) {
	bars := barsFromCloses(5, 5, 5, 5)
	for i := range bars {
		bars[i].High, bars[i].Low = 5, 5
	}
	got, err := Stochastic(bars, 3, 1, 1)
	if err != nil {
		t.Fatalf("Stochastic: %v", err)
	}
	if _, ok := got.K.At(3); ok {
		t.Error("K over a flat range should be undefined")
	}
	if _, err := Stochastic(bars, 3, 0, 1); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("zero smoothing error = %v, want ErrInvalidPeriod", err)
	}
}
