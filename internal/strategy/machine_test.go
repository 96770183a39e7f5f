package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
	"algotrade/internal/indicator"
)

// fakeGateway fills every decision at a fixed price and records it.
type fakeGateway struct {
	price     decimal.Decimal
	decisions []domain.Decision
	err       error
}

func (g *fakeGateway) PlaceOrder(_ context.Context, d domain.Decision) (domain.Fill, error) {
	if g.err != nil {
		return domain.Fill{}, g.err
	}
	g.decisions = append(g.decisions, d)
	return domain.Fill{
		Time:  time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Side:  d.Side,
		Qty:   d.Qty,
		Price: g.price,
		Tag:   d.Tag,
	}, nil
}

// minuteBars builds n one-minute bars starting at start.
func minuteBars(t *testing.T, start time.Time, n int) domain.Series {
	t.Helper()
	bars := make([]domain.Bar, n)
	for i := range bars {
		p := 100 + float64(i)
		bars[i] = domain.Bar{
			Symbol:    "HK.HSImain",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      p, High: p + 1, Low: p - 1, Close: p,
			Volume: 100,
		}
	}
	s, err := domain.NewSeries(bars)
	if err != nil {
		t.Fatalf("NewSeries: %v", err)
	}
	return s
}

func testParams() Params {
	p := DefaultParams()
	p.MaxContract = 2
	return p
}

func newTestMachine(t *testing.T, s *stubStrategy, p Params, series domain.Series) (*Machine, *fakeGateway) {
	t.Helper()
	gw := &fakeGateway{price: decimal.NewFromInt(100)}
	m := NewMachine(s, p, gw, nil)
	if err := m.Load(series); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, gw
}

func entryAt(idx int, side domain.Side) func(int) (domain.Decision, bool) {
	return func(i int) (domain.Decision, bool) {
		if i == idx {
			return domain.Decision{Side: side, Qty: 1, Tag: "LE"}, true
		}
		return domain.Decision{}, false
	}
}

func TestMachineEntryOnlyInsideWindow(t *testing.T) {
	// Bars start at 13:58; the window opens at 14:00.
	series := minuteBars(t, time.Date(2024, 3, 4, 13, 58, 0, 0, time.UTC), 6)
	s := &stubStrategy{
		name: "stub",
		entryFn: func(i int) (domain.Decision, bool) {
			return domain.Decision{Side: domain.SideBuy, Qty: 1, Tag: "LE"}, true
		},
	}
	m, gw := newTestMachine(t, s, testParams(), series)

	if err := m.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(gw.decisions) != 0 {
		t.Fatalf("placed %d orders outside the window, want 0", len(gw.decisions))
	}
	if got := m.State().Status; got != domain.StatusTimeout {
		t.Errorf("Status = %q, want %q", got, domain.StatusTimeout)
	}

	if err := m.Step(context.Background(), 2); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(gw.decisions) != 1 {
		t.Fatalf("placed %d orders, want 1", len(gw.decisions))
	}
	if got := gw.decisions[0].Tag; got != "stub-LE" {
		t.Errorf("Tag = %q, want %q", got, "stub-LE")
	}
	st := m.State()
	if st.Inventory != 1 || st.Status != domain.StatusRunning {
		t.Errorf("state = %+v, want inventory 1 running", st)
	}
	if gw.decisions[0].BarIndex != 2 {
		t.Errorf("BarIndex = %d, want 2", gw.decisions[0].BarIndex)
	}
}

func TestMachineTimeoutTakesPrecedence(t *testing.T) {
	// 02:59 is past the 02:58 cutoff.
	series := minuteBars(t, time.Date(2024, 3, 5, 2, 57, 0, 0, time.UTC), 4)
	exitCalled := false
	s := &stubStrategy{
		name:    "stub",
		timeout: TimeoutRule{At: Clock{Hour: 2, Minute: 58}},
		exitFn: func(i int, pos domain.Position) (domain.Decision, bool) {
			exitCalled = true
			return domain.Decision{Side: domain.SideSell, Qty: pos.Inventory, Tag: "LX TP"}, true
		},
	}
	p := testParams()
	p.Window = Window{Start: Clock{Hour: 22}, End: Clock{Hour: 3}}
	m, gw := newTestMachine(t, s, p, series)

	m.state.Apply(domain.SideBuy, 1, decimal.NewFromInt(100), series.At(0).Timestamp)

	if err := m.Step(context.Background(), 2); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if exitCalled {
		t.Error("exit conditions evaluated while timed out")
	}
	if len(gw.decisions) != 1 || gw.decisions[0].Tag != "stub-"+TagLongTimeout {
		t.Fatalf("decisions = %+v, want one %q", gw.decisions, "stub-"+TagLongTimeout)
	}
	if !m.State().Flat() {
		t.Errorf("inventory = %d, want flat", m.State().Inventory)
	}
}

func TestMachineShortTimeout(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 5, 3, 0, 0, 0, time.UTC), 3)
	s := &stubStrategy{name: "stub", timeout: TimeoutRule{At: Clock{Hour: 2, Minute: 58}}}
	m, gw := newTestMachine(t, s, testParams(), series)
	m.state.Apply(domain.SideSell, 2, decimal.NewFromInt(100), series.At(0).Timestamp)

	if err := m.Step(context.Background(), 1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(gw.decisions) != 1 {
		t.Fatalf("placed %d orders, want 1", len(gw.decisions))
	}
	d := gw.decisions[0]
	if d.Side != domain.SideBuy || d.Qty != 2 || d.Tag != "stub-"+TagShortTimeout {
		t.Errorf("decision = %+v, want BUY 2 %s", d, TagShortTimeout)
	}
}

func TestMachineReverseMode(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 4)
	s := &stubStrategy{name: "stub", entryFn: entryAt(1, domain.SideBuy)}
	p := testParams()
	p.Mode = domain.ModeReverse
	m, gw := newTestMachine(t, s, p, series)

	var fills []domain.Fill
	m.OnFill(func(f domain.Fill) { fills = append(fills, f) })

	if err := m.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gw.decisions) != 1 {
		t.Fatalf("placed %d orders, want 1", len(gw.decisions))
	}
	d := gw.decisions[0]
	if d.Side != domain.SideSell || d.Tag != "stub-LE(reverse)" {
		t.Errorf("gateway decision = %+v, want SELL stub-LE(reverse)", d)
	}
	// The strategy keeps its own long view.
	if got := m.State().Inventory; got != 1 {
		t.Errorf("Inventory = %d, want 1", got)
	}
	if len(fills) != 1 || fills[0].Side != domain.SideSell {
		t.Errorf("fills = %+v, want one SELL fill", fills)
	}
}

func TestMachineMaxContract(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 3)
	s := &stubStrategy{
		name: "stub",
		entryFn: func(int) (domain.Decision, bool) {
			return domain.Decision{Side: domain.SideBuy, Qty: 3, Tag: "LE"}, true
		},
	}
	m, gw := newTestMachine(t, s, testParams(), series)

	if err := m.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(gw.decisions) != 0 {
		t.Errorf("placed %d orders above max contract, want 0", len(gw.decisions))
	}
}

type addingStub struct {
	stubStrategy
	adds int
}

func (a *addingStub) CheckAddConditions(i int, pos domain.Position) (domain.Decision, bool) {
	a.adds++
	return domain.Decision{Side: domain.SideBuy, Qty: 1, Tag: "LA"}, true
}

func TestMachineAddRespectsMaxContract(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 6)
	s := &addingStub{stubStrategy: stubStrategy{name: "stub", entryFn: entryAt(0, domain.SideBuy)}}
	m, gw := newTestMachine(t, &s.stubStrategy, testParams(), series)
	// Swap in the adding strategy while keeping the loaded series.
	m.strategy = s

	if err := m.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Entry 1, one add to reach max contract 2, further adds rejected.
	if len(gw.decisions) != 2 {
		t.Fatalf("placed %d orders, want 2", len(gw.decisions))
	}
	if got := m.State().Inventory; got != 2 {
		t.Errorf("Inventory = %d, want 2", got)
	}
	if s.adds < 2 {
		t.Errorf("CheckAddConditions called %d times, want at least 2", s.adds)
	}
}

func TestMachineCooldown(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 8)
	s := &stubStrategy{
		name: "stub",
		entryFn: func(int) (domain.Decision, bool) {
			return domain.Decision{Side: domain.SideBuy, Qty: 1, Tag: "LE"}, true
		},
		exitFn: func(i int, pos domain.Position) (domain.Decision, bool) {
			return domain.Decision{Side: domain.SideSell, Qty: pos.Inventory, Tag: "LX"}, true
		},
	}
	p := testParams()
	p.Cooldown = 3 * time.Minute
	m, gw := newTestMachine(t, s, p, series)

	if err := m.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Orders at bars 0, 3 and 6; everything in between is suppressed.
	want := []int{0, 3, 6}
	if len(gw.decisions) != len(want) {
		t.Fatalf("placed %d orders, want %d", len(gw.decisions), len(want))
	}
	for i, d := range gw.decisions {
		if d.BarIndex != want[i] {
			t.Errorf("order %d at bar %d, want %d", i, d.BarIndex, want[i])
		}
	}
}

func TestMachineWarmUpAndLastBar(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 5)
	var seen []int
	s := &stubStrategy{
		name:   "stub",
		warmUp: 2,
		entryFn: func(i int) (domain.Decision, bool) {
			seen = append(seen, i)
			return domain.Decision{}, false
		},
	}
	m, _ := newTestMachine(t, s, testParams(), series)

	if err := m.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []int{2, 3}
	if len(seen) != len(want) {
		t.Fatalf("evaluated bars %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("evaluated bars %v, want %v", seen, want)
			break
		}
	}
}

func TestMachineInsufficientData(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 3)
	evaluated := false
	s := &stubStrategy{
		name: "stub",
		applyFn: func(domain.Series) error {
			return indicator.ErrInsufficientData
		},
		entryFn: func(int) (domain.Decision, bool) {
			evaluated = true
			return domain.Decision{}, false
		},
	}
	m, _ := newTestMachine(t, s, testParams(), series)
	if err := m.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if evaluated {
		t.Error("bars evaluated without indicators")
	}

	bad := &stubStrategy{name: "bad", applyFn: func(domain.Series) error { return errors.New("boom") }}
	m2 := NewMachine(bad, testParams(), &fakeGateway{}, nil)
	if err := m2.Load(series); err == nil {
		t.Error("Load should propagate indicator errors")
	}
}

func TestMachineStopAndResume(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 4)
	s := &stubStrategy{name: "stub", entryFn: entryAt(1, domain.SideBuy)}
	m, gw := newTestMachine(t, s, testParams(), series)

	m.Stop()
	if err := m.Step(context.Background(), 1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(gw.decisions) != 0 {
		t.Fatal("stopped machine placed an order")
	}
	m.Resume()
	if err := m.Step(context.Background(), 1); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(gw.decisions) != 1 {
		t.Errorf("placed %d orders after resume, want 1", len(gw.decisions))
	}
}

func TestMachineGatewayError(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 3)
	s := &stubStrategy{name: "stub", entryFn: entryAt(0, domain.SideBuy)}
	m, gw := newTestMachine(t, s, testParams(), series)
	gw.err = errors.New("rejected")

	if err := m.Step(context.Background(), 0); !errors.Is(err, gw.err) {
		t.Errorf("Step error = %v, want wrapped gateway error", err)
	}
	if !m.State().Flat() {
		t.Error("state changed after a failed order")
	}
}

func TestMachineDeliver(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 3)
	s := &stubStrategy{name: "stub", entryFn: entryAt(2, domain.SideBuy)}
	gw := &fakeGateway{price: decimal.NewFromInt(101)}
	m := NewMachine(s, testParams(), gw, nil)

	for _, b := range series.Bars() {
		if err := m.Deliver(context.Background(), b); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if m.Series().Len() != 3 {
		t.Errorf("series length = %d, want 3", m.Series().Len())
	}
	if len(gw.decisions) != 1 {
		t.Fatalf("placed %d orders, want 1", len(gw.decisions))
	}
	if !m.State().AvgPrice.Equal(decimal.NewFromInt(101)) {
		t.Errorf("AvgPrice = %s, want 101", m.State().AvgPrice)
	}

	// Out-of-order bars are rejected.
	if err := m.Deliver(context.Background(), series.At(0)); !errors.Is(err, domain.ErrNonMonotonic) {
		t.Errorf("Deliver error = %v, want ErrNonMonotonic", err)
	}
}

func TestMachineContextCancelled(t *testing.T) {
	series := minuteBars(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), 3)
	m, _ := newTestMachine(t, &stubStrategy{name: "stub"}, testParams(), series)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}
