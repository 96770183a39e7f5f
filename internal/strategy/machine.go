package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"algotrade/internal/domain"
	"algotrade/internal/indicator"
)

// Timeout exit tags.
const (
	TagLongTimeout  = "LX TOUT"
	TagShortTimeout = "SX TOUT"
)

// Gateway executes decisions. In a backtest it is the execution simulator;
// in live trading it forwards to a broker adapter. Fill.Side is the side
// actually traded.
type Gateway interface {
	PlaceOrder(ctx context.Context, d domain.Decision) (domain.Fill, error)
}

// State is the mutable per-symbol strategy state. The embedded Position is
// the strategy's own view: in reverse mode the account holds the opposite.
type State struct {
	domain.Position
	Mode          domain.Mode   `json:"mode"`
	Status        domain.Status `json:"status"`
	CanOpenOrder  bool          `json:"can_open_order"`
	IsTimeout     bool          `json:"is_timeout"`
	CooldownUntil time.Time     `json:"cooldown_until"`
}

// Machine drives one strategy instance over a bar series. It is not safe for
// concurrent use; each backtest shard and each live session owns its own.
type Machine struct {
	strategy Strategy
	params   Params
	gateway  Gateway
	series   domain.Series
	state    State
	ready    bool
	onFill   func(domain.Fill)
	log      *slog.Logger
}

// NewMachine creates a Machine for s. The state starts flat with status
// ready and the mode taken from p.
func NewMachine(s Strategy, p Params, gw Gateway, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		strategy: s,
		params:   p,
		gateway:  gw,
		state: State{
			Mode:         p.Mode,
			Status:       domain.StatusReady,
			CanOpenOrder: true,
		},
		log: log.With("strategy", s.Name()),
	}
}

// OnFill registers a callback invoked after every fill is booked.
func (m *Machine) OnFill(fn func(domain.Fill)) { m.onFill = fn }

// State returns a copy of the current state.
func (m *Machine) State() State { return m.state }

// Strategy returns the driven strategy.
func (m *Machine) Strategy() Strategy { return m.strategy }

// Series returns the series loaded so far.
func (m *Machine) Series() domain.Series { return m.series }

// SetMode switches between normal and reverse routing.
func (m *Machine) SetMode(mode domain.Mode) { m.state.Mode = mode }

// Stop halts evaluation until Resume is called. Open inventory is kept.
func (m *Machine) Stop() { m.state.Status = domain.StatusStop }

// Resume clears a stop.
func (m *Machine) Resume() {
	if m.state.Status == domain.StatusStop {
		m.state.Status = domain.StatusRunning
	}
}

// Load installs the full series and applies indicators once. A series
// shorter than an indicator's warm-up is accepted; no bar is then evaluated.
func (m *Machine) Load(series domain.Series) error {
	m.series = series
	return m.apply()
}

func (m *Machine) apply() error {
	err := m.strategy.ApplyIndicators(m.series)
	switch {
	case err == nil:
		m.ready = true
	case errors.Is(err, indicator.ErrInsufficientData):
		m.ready = false
	default:
		return fmt.Errorf("applying indicators: %w", err)
	}
	return nil
}

// Run evaluates every bar from index from up to the second-to-last bar. The
// last bar is never evaluated because a decision needs the following bar to
// execute. Cancellation of ctx stops the loop between bars.
func (m *Machine) Run(ctx context.Context, from int) error {
	for i := from; i < m.series.Len()-1; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Step(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// Deliver appends a live bar, re-derives indicators and evaluates the new
// bar. Bars must arrive in increasing time order.
func (m *Machine) Deliver(ctx context.Context, bar domain.Bar) error {
	var err error
	if m.series.Len() == 0 {
		m.series, err = domain.NewSeries([]domain.Bar{bar})
	} else {
		m.series, err = m.series.Append(bar)
	}
	if err != nil {
		return err
	}
	if err := m.apply(); err != nil {
		return err
	}
	return m.Step(ctx, m.series.Len()-1)
}

// Step evaluates bar i and routes at most one decision to the gateway.
// Bars inside the warm-up period, or before indicators could be derived,
// are skipped. Step does not require a following bar: Run stops at the
// second-to-last bar, while Deliver evaluates the newest bar and leaves the
// fill price to the gateway.
func (m *Machine) Step(ctx context.Context, i int) error {
	if !m.ready || i < m.strategy.WarmUp() || i < 0 || i >= m.series.Len() {
		return nil
	}
	if m.state.Status == domain.StatusStop {
		return nil
	}

	t := m.series.At(i).Timestamp
	st := &m.state
	if !st.CooldownUntil.IsZero() && !t.Before(st.CooldownUntil) {
		st.CooldownUntil = time.Time{}
	}
	st.IsTimeout = m.strategy.CheckIsTimeout(t)
	st.CanOpenOrder = m.params.Window.Contains(t)
	if st.Flat() && !st.CanOpenOrder {
		st.Status = domain.StatusTimeout
	} else {
		st.Status = domain.StatusRunning
	}

	var (
		d  domain.Decision
		ok bool
	)
	if st.Flat() {
		if !st.CanOpenOrder {
			return nil
		}
		d, ok = m.strategy.CheckEntryConditions(i)
	} else {
		switch {
		case st.IsTimeout:
			d, ok = timeoutDecision(st.Inventory), true
		default:
			d, ok = m.strategy.CheckExitConditions(i, st.Position)
			if !ok {
				if a, isAdder := m.strategy.(Adder); isAdder {
					d, ok = a.CheckAddConditions(i, st.Position)
				}
			}
		}
	}
	if !ok || d.Qty <= 0 {
		return nil
	}
	if !m.withinLimit(d) {
		m.log.Debug("decision exceeds max contract", "tag", d.Tag, "qty", d.Qty, "inventory", st.Inventory)
		return nil
	}

	d.BarIndex = i
	return m.place(ctx, d, t)
}

// withinLimit rejects decisions that would grow inventory beyond
// MaxContract. Reductions are always allowed.
func (m *Machine) withinLimit(d domain.Decision) bool {
	before := m.state.Inventory
	after := before + d.Side.Sign()*d.Qty
	if abs(after) <= abs(before) {
		return true
	}
	return abs(after) <= m.params.MaxContract
}

func (m *Machine) place(ctx context.Context, d domain.Decision, t time.Time) error {
	if !m.state.CooldownUntil.IsZero() {
		m.log.Debug("order suppressed by cooldown", "tag", d.Tag, "until", m.state.CooldownUntil)
		return nil
	}

	d.Tag = m.strategy.Name() + "-" + d.Tag
	fill, err := m.gateway.PlaceOrder(ctx, Transform(m.state.Mode, d))
	if err != nil {
		return fmt.Errorf("placing %s %d %q at bar %d: %w", d.Side, d.Qty, d.Tag, d.BarIndex, err)
	}

	m.state.Apply(d.Side, fill.Qty, fill.Price, fill.Time)
	if m.params.Cooldown > 0 {
		m.state.CooldownUntil = t.Add(m.params.Cooldown)
	}
	m.log.Debug("filled", "tag", fill.Tag, "side", fill.Side, "qty", fill.Qty,
		"price", fill.Price.String(), "time", fill.Time, "inventory", m.state.Inventory)

	if m.onFill != nil {
		m.onFill(fill)
	}
	return nil
}

func timeoutDecision(inventory int64) domain.Decision {
	if inventory > 0 {
		return domain.Decision{Side: domain.SideSell, Qty: inventory, Tag: TagLongTimeout}
	}
	return domain.Decision{Side: domain.SideBuy, Qty: -inventory, Tag: TagShortTimeout}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
