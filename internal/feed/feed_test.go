package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"algotrade/internal/domain"
	"algotrade/internal/store"
)

// fakeBars serves canned minute bars and records requests.
type fakeBars struct {
	mu       sync.Mutex
	bars     map[string][]marketdata.Bar
	requests []marketdata.GetBarsRequest
	failN    int // fail this many calls before succeeding
}

func (f *fakeBars) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failN > 0 {
		f.failN--
		return nil, errors.New("503 service unavailable")
	}
	var out []marketdata.Bar
	for _, b := range f.bars[symbol] {
		if !b.Timestamp.Before(req.Start) && !b.Timestamp.After(req.End) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBars) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	out := make(map[string][]marketdata.Bar)
	for _, s := range symbols {
		bars, err := f.GetBars(s, req)
		if err != nil {
			return nil, err
		}
		if len(bars) > 0 {
			out[s] = bars
		}
	}
	return out, nil
}

var t0 = time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC) // 10:00 in Hong Kong

func rawBars(n int) []marketdata.Bar {
	out := make([]marketdata.Bar, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = marketdata.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      p, High: p + 1, Low: p - 1, Close: p,
			Volume: 10,
		}
	}
	return out
}

// collector records delivered bars.
type collector struct {
	bars []domain.Bar
	err  error
}

func (c *collector) DeliverBar(_ context.Context, b domain.Bar) error {
	if c.err != nil {
		return c.err
	}
	c.bars = append(c.bars, b)
	return nil
}

func TestAlpacaPollerDeliversCompletedBars(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	client := &fakeBars{bars: map[string][]marketdata.Bar{"SPY": rawBars(5)}}
	p := newAlpacaPoller(client, AlpacaConfig{Location: hk}, "spy", nil, nil)

	// At 10:04:30 the 10:04 bar is still forming.
	now := t0.Add(4*time.Minute + 30*time.Second)
	p.now = func() time.Time { return now }

	sink := &collector{}
	n, err := p.Poll(context.Background(), sink)
	if err != nil || n != 4 {
		t.Fatalf("Poll = %d, %v; want 4, nil", n, err)
	}
	first := sink.bars[0]
	if want := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC); !first.Timestamp.Equal(want) {
		t.Errorf("first bar time = %s, want %s (exchange wall clock)", first.Timestamp, want)
	}
	if first.Symbol != "SPY" || first.Volume != 10 {
		t.Errorf("first bar = %+v", first)
	}

	// Next poll only delivers the bar that completed since.
	now = t0.Add(5*time.Minute + 10*time.Second)
	n, err = p.Poll(context.Background(), sink)
	if err != nil || n != 1 {
		t.Fatalf("second Poll = %d, %v; want 1, nil", n, err)
	}
	if got := sink.bars[4].Close; got != 104 {
		t.Errorf("fifth bar close = %v, want 104", got)
	}
	if req := client.requests[len(client.requests)-1]; !req.Start.Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("second request start = %s, want the minute after the last bar", req.Start)
	}
	if req := client.requests[0]; req.TimeFrame != marketdata.OneMin {
		t.Errorf("timeframe = %v, want one minute", req.TimeFrame)
	}

	n, err = p.Poll(context.Background(), sink)
	if err != nil || n != 0 {
		t.Errorf("idle Poll = %d, %v; want 0, nil", n, err)
	}
}

func TestAlpacaPollerResume(t *testing.T) {
	client := &fakeBars{bars: map[string][]marketdata.Bar{"SPY": rawBars(5)}}
	p := newAlpacaPoller(client, AlpacaConfig{}, "SPY", nil, nil)
	p.now = func() time.Time { return t0.Add(10 * time.Minute) }
	p.Resume(t0.Add(2 * time.Minute))

	sink := &collector{}
	if n, err := p.Poll(context.Background(), sink); err != nil || n != 2 {
		t.Fatalf("Poll = %d, %v; want 2, nil", n, err)
	}
	if !sink.bars[0].Timestamp.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("first delivered = %s", sink.bars[0].Timestamp)
	}
}

func TestAlpacaPollerRetriesAndSinkErrors(t *testing.T) {
	client := &fakeBars{bars: map[string][]marketdata.Bar{"SPY": rawBars(3)}, failN: 1}
	p := newAlpacaPoller(client, AlpacaConfig{}, "SPY", nil, nil)
	p.now = func() time.Time { return t0.Add(10 * time.Minute) }

	sink := &collector{}
	if n, err := p.Poll(context.Background(), sink); err != nil || n != 3 {
		t.Fatalf("Poll after transient error = %d, %v; want 3, nil", n, err)
	}

	boom := errors.New("engine rejected bar")
	p.Resume(time.Time{})
	n, err := p.Poll(context.Background(), &collector{err: boom})
	if n != -1 || !errors.Is(err, boom) {
		t.Errorf("Poll with failing sink = %d, %v; want -1 wrapping sink error", n, err)
	}
}

func TestAlpacaPollerRunStopsOnSinkError(t *testing.T) {
	client := &fakeBars{bars: map[string][]marketdata.Bar{"SPY": rawBars(3)}}
	p := newAlpacaPoller(client, AlpacaConfig{}, "SPY", nil, nil)
	p.now = func() time.Time { return t0.Add(10 * time.Minute) }

	boom := errors.New("out of order")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx, &collector{err: boom}); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want sink error", err)
	}
}

func TestReplayFeed(t *testing.T) {
	dir := t.TempDir()
	s := store.NewParquetStore(dir)
	var bars []domain.Bar
	for i := range 5 {
		bars = append(bars, domain.Bar{
			Symbol:    "HK.HSImain",
			Timestamp: time.Date(2024, 3, 4, 10, i, 0, 0, time.UTC),
			Open:      100, High: 101, Low: 99, Close: 100 + float64(i), Volume: 1,
		})
	}
	if err := s.WriteBars(context.Background(), bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	f := NewReplayFeed(s, "HK.HSImain", bars[1].Timestamp, bars[3].Timestamp, nil)
	if f.Name() != "replay" {
		t.Errorf("Name() = %q", f.Name())
	}
	a, b := &collector{}, &collector{}
	if err := f.Run(context.Background(), Fan(a, b)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(a.bars) != 3 || len(b.bars) != 3 {
		t.Fatalf("delivered %d/%d bars, want 3 each", len(a.bars), len(b.bars))
	}
	if a.bars[0].Close != 101 || a.bars[2].Close != 103 {
		t.Errorf("closes = %v..%v, want 101..103", a.bars[0].Close, a.bars[2].Close)
	}
}

func TestSeriesFeedPacedCancel(t *testing.T) {
	var bars []domain.Bar
	for i := range 3 {
		bars = append(bars, domain.Bar{Timestamp: time.Date(2024, 3, 4, 10, i, 0, 0, time.UTC), Close: 1})
	}
	series, err := domain.NewSeries(bars)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := SinkFunc(func(context.Context, domain.Bar) error {
		cancel()
		return nil
	})
	err = NewSeriesFeed(series, nil).WithPace(time.Hour).Run(ctx, sink)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestBackfill(t *testing.T) {
	client := &fakeBars{bars: map[string][]marketdata.Bar{
		"SPY": rawBars(3),
		"QQQ": rawBars(2),
	}}
	s := store.NewParquetStore(t.TempDir())
	bf := newBackfill(client, AlpacaConfig{}, s, 2, 2, nil)

	stats, err := bf.Run(context.Background(), []string{"SPY", "QQQ", "NOPE"}, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Symbols != 2 || stats.Bars != 5 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Empty) != 1 || stats.Empty[0] != "NOPE" {
		t.Errorf("Empty = %v, want [NOPE]", stats.Empty)
	}

	syms, err := s.ListSymbols(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(syms)
	if len(syms) != 2 || syms[0] != "QQQ" || syms[1] != "SPY" {
		t.Errorf("ListSymbols = %v", syms)
	}
}

func TestBackfillProgress(t *testing.T) {
	client := &fakeBars{bars: map[string][]marketdata.Bar{"SPY": rawBars(3)}}
	dir := t.TempDir()
	s := store.NewParquetStore(t.TempDir())

	bf := newBackfill(client, AlpacaConfig{}, s, 1, 1, nil)
	if err := bf.TrackProgress(dir); err != nil {
		t.Fatalf("TrackProgress: %v", err)
	}
	stats, err := bf.Run(context.Background(), []string{"SPY", "nope"}, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Skipped != 0 || len(stats.Empty) != 1 {
		t.Errorf("first run stats = %+v", stats)
	}
	if err := bf.Close(); err != nil {
		t.Fatal(err)
	}

	// A new backfill over the same directory skips the empty symbol.
	again := newBackfill(client, AlpacaConfig{}, s, 1, 1, nil)
	if err := again.TrackProgress(dir); err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if got, want := again.LastCompleted(), time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("LastCompleted = %v, want %v", got, want)
	}
	stats, err = again.Run(context.Background(), []string{"SPY", "NOPE"}, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Skipped != 1 || stats.Symbols != 1 || len(stats.Empty) != 0 {
		t.Errorf("second run stats = %+v", stats)
	}
}

type fakeCalendar []string

func (f fakeCalendar) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	out := make([]alpaca.CalendarDay, len(f))
	for i, d := range f {
		out[i] = alpaca.CalendarDay{Date: d}
	}
	return out, nil
}

func TestLatestFinishedTradingDay(t *testing.T) {
	cal := fakeCalendar{"2024-03-01", "2024-03-04", "2024-03-05"}
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"session still settling", time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC), "2024-03-04"},
		{"after cutoff", time.Date(2024, 3, 5, 20, 30, 0, 0, time.UTC), "2024-03-05"},
		{"weekend", time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC), "2024-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := latestFinishedTradingDay(cal, tt.now)
			if err != nil {
				t.Fatal(err)
			}
			if got.Format(time.DateOnly) != tt.want {
				t.Errorf("got %s, want %s", got.Format(time.DateOnly), tt.want)
			}
		})
	}

	if _, err := latestFinishedTradingDay(fakeCalendar{}, time.Now()); err == nil {
		t.Error("expected error for an empty calendar")
	}
}
