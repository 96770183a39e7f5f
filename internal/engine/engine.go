// Package engine runs one strategy live: bars are pushed in one at a time,
// evaluated by the strategy state machine, checked against account risk
// limits and routed to a broker. Fills are journaled and published.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/broker"
	"algotrade/internal/control"
	"algotrade/internal/domain"
	"algotrade/internal/store"
	"algotrade/internal/strategy"
)

// ErrOutOfOrder is returned by DeliverBar for a bar older than the last one.
var ErrOutOfOrder = errors.New("bar out of order")

// Event types published to listeners.
const (
	EventFill   = "fill"
	EventStatus = "status"
)

// Event is a live session notification.
type Event struct {
	Type     string          `json:"type"`
	Strategy string          `json:"strategy"`
	Time     time.Time       `json:"time"`
	Fill     *domain.Fill    `json:"fill,omitempty"`
	State    *strategy.State `json:"state,omitempty"`
}

// observer is implemented by brokers that price fills from the bar stream.
type observer interface {
	Observe(bar domain.Bar)
}

// Options are the optional collaborators of an Engine.
type Options struct {
	Risk      *RiskManager
	Controls  *control.Store
	Journal   store.JournalStore
	SessionID string
}

// Engine is a live trading session for one strategy and symbol. DeliverBar
// is safe for concurrent use but bars are processed one at a time.
type Engine struct {
	mu        sync.Mutex
	name      string
	machine   *strategy.Machine
	broker    broker.Broker
	risk      *RiskManager
	controls  *control.Store
	journal   store.JournalStore
	sessionID string
	lastBar   time.Time
	halted    bool

	listenersMu sync.RWMutex
	listeners   []func(Event)

	log *slog.Logger
}

// New creates an Engine driving s with parameters p through b.
func New(s strategy.Strategy, p strategy.Params, b broker.Broker, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		name:      s.Name(),
		broker:    b,
		risk:      opts.Risk,
		controls:  opts.Controls,
		journal:   opts.Journal,
		sessionID: opts.SessionID,
		log:       log.With("component", "engine", "strategy", s.Name(), "broker", b.Name()),
	}
	if e.risk == nil {
		e.risk = NewRiskManager(p.MaxContract, decimal.Zero, decimal.Zero)
	}
	e.machine = strategy.NewMachine(s, p, gateway{e}, e.log)
	e.machine.OnFill(e.onFill)
	return e
}

// Name returns the strategy name.
func (e *Engine) Name() string { return e.name }

// SessionID returns the journal key of the session.
func (e *Engine) SessionID() string { return e.sessionID }

// State returns a copy of the strategy state.
func (e *Engine) State() strategy.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State()
}

// Subscribe registers fn for fill and status events. fn is called
// synchronously from DeliverBar and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.listenersMu.Unlock()
}

// Preload installs historical bars for indicator warm-up without
// evaluating them.
func (e *Engine) Preload(bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	series, err := domain.NewSeries(bars)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.machine.Load(series); err != nil {
		return err
	}
	e.lastBar = bars[len(bars)-1].Timestamp
	e.log.Info("preloaded bars", "count", len(bars), "last", e.lastBar)
	return nil
}

// DeliverBar processes one bar. A bar with the same timestamp as the last
// one is ignored; an older bar returns ErrOutOfOrder.
func (e *Engine) DeliverBar(ctx context.Context, bar domain.Bar) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastBar.IsZero() {
		switch {
		case bar.Timestamp.Equal(e.lastBar):
			return nil
		case bar.Timestamp.Before(e.lastBar):
			return fmt.Errorf("%s before %s: %w",
				bar.Timestamp.Format(time.DateTime), e.lastBar.Format(time.DateTime), ErrOutOfOrder)
		}
	}
	e.lastBar = bar.Timestamp

	if o, ok := e.broker.(observer); ok {
		o.Observe(bar)
	}
	before := e.machine.State().Status
	e.risk.StartBar(bar.Timestamp)
	e.applyControls(bar.Timestamp)

	err := e.machine.Deliver(ctx, bar)
	switch {
	case errors.Is(err, ErrMaxContract), errors.Is(err, ErrDailyLoss):
		e.log.Warn("order rejected by risk check", "error", err, "time", bar.Timestamp)
	case err != nil:
		return err
	}
	if st := e.machine.State(); st.Status != before {
		e.log.Info("status changed", "from", before, "to", st.Status, "time", bar.Timestamp)
		e.publish(Event{Type: EventStatus, Strategy: e.name, Time: bar.Timestamp, State: &st})
	}
	return nil
}

// applyControls maps the on/off switch and the daily loss limit onto the
// machine's stop status, and the mode switch onto its routing.
func (e *Engine) applyControls(t time.Time) {
	c := control.Default
	if e.controls != nil {
		c = e.controls.Get(e.name)
	}
	e.machine.SetMode(c.Mode)

	halted := e.risk.Halted()
	if halted && !e.halted {
		e.log.Warn("daily loss limit reached, stopping", "realized", e.risk.Realized().String(), "time", t)
	}
	e.halted = halted

	if !c.Enabled || halted {
		e.machine.Stop()
	} else {
		e.machine.Resume()
	}
}

func (e *Engine) onFill(f domain.Fill) {
	e.risk.OnFill(f)
	if e.journal != nil && e.sessionID != "" {
		// Fills are journaled even after ctx is cancelled.
		if err := e.journal.AppendFills(context.Background(), e.sessionID, []domain.Fill{f}); err != nil {
			e.log.Error("journaling fill", "tag", f.Tag, "error", err)
		}
	}
	e.log.Info("fill", "tag", f.Tag, "side", f.Side, "qty", f.Qty, "price", f.Price.String(), "time", f.Time)
	e.publish(Event{Type: EventFill, Strategy: e.name, Time: f.Time, Fill: &f})
}

func (e *Engine) publish(ev Event) {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, fn := range e.listeners {
		fn(ev)
	}
}

// gateway routes machine decisions through the risk manager to the broker.
type gateway struct{ e *Engine }

func (g gateway) PlaceOrder(ctx context.Context, d domain.Decision) (domain.Fill, error) {
	if err := g.e.risk.CheckOrder(d); err != nil {
		return domain.Fill{}, err
	}
	return g.e.broker.PlaceOrder(ctx, d)
}
