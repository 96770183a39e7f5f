// Package strategy defines the capability interface implemented by trading
// strategies, a typed Registry of strategy factories, and the Machine that
// drives a strategy through its flat/holding lifecycle one bar at a time.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"algotrade/internal/domain"
	"algotrade/internal/indicator"
)

var (
	// ErrUnknownStrategy is returned by Registry.New for an unregistered name.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrInvalidParams is returned when strategy parameters are out of range.
	ErrInvalidParams = errors.New("invalid strategy parameters")
)

// Strategy is the capability set every trading strategy implements. The
// Machine owns position state and calls these methods; a strategy only
// reads the series it was given and returns decisions.
type Strategy interface {
	// Name returns the registry name, also used as the journal tag prefix.
	Name() string

	// WarmUp returns the first bar index the strategy may evaluate.
	WarmUp() int

	// ApplyIndicators computes every derived series from the full series.
	// It is called once per backtest and once per delivered bar in live mode.
	ApplyIndicators(series domain.Series) error

	// CheckEntryConditions evaluates bar i while flat.
	CheckEntryConditions(i int) (domain.Decision, bool)

	// CheckExitConditions evaluates bar i while holding pos, after the
	// timeout rule has been checked by the Machine.
	CheckExitConditions(i int, pos domain.Position) (domain.Decision, bool)

	// CheckIsTimeout reports whether positions must be closed at t.
	CheckIsTimeout(t time.Time) bool
}

// Adder is implemented by strategies that scale into an open position.
type Adder interface {
	CheckAddConditions(i int, pos domain.Position) (domain.Decision, bool)
}

// Charter is implemented by strategies that expose their derived series for
// chart overlays.
type Charter interface {
	Indicators() map[string]indicator.Series
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

// Params is the construction-time configuration of a strategy instance.
type Params struct {
	Symbol       string
	MaxContract  int64
	ExecQuantity int64
	TakeProfit   float64 // points
	StopLoss     float64 // points
	EMAFast      int
	EMASlow      int
	ADXPeriod    int
	ADXLow       float64
	ADXQuietBars int
	MinVolume    int64
	Window       Window
	Timeout      TimeoutRule
	Mode         domain.Mode
	Cooldown     time.Duration
}

// DefaultParams returns the reference MAL parameters. The timeout override
// table is left empty; it is supplied by configuration.
func DefaultParams() Params {
	return Params{
		Symbol:       "HK.HSImain",
		MaxContract:  1,
		ExecQuantity: 1,
		TakeProfit:   90,
		StopLoss:     120,
		EMAFast:      40,
		EMASlow:      90,
		ADXPeriod:    14,
		ADXLow:       20,
		ADXQuietBars: 3,
		MinVolume:    30,
		Window:       Window{Start: Clock{Hour: 14}, End: Clock{Hour: 16, Minute: 30}},
		Timeout:      TimeoutRule{At: Clock{Hour: 2, Minute: 58}},
		Mode:         domain.ModeNormal,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.MaxContract < 1:
		return fmt.Errorf("max_contract %d: %w", p.MaxContract, ErrInvalidParams)
	case p.ExecQuantity < 1 || p.ExecQuantity > p.MaxContract:
		return fmt.Errorf("exec_quantity %d (max_contract %d): %w", p.ExecQuantity, p.MaxContract, ErrInvalidParams)
	case p.EMAFast < 1 || p.EMASlow < 1:
		return fmt.Errorf("ema lengths %d/%d: %w", p.EMAFast, p.EMASlow, ErrInvalidParams)
	case p.TakeProfit < 0 || p.StopLoss < 0:
		return fmt.Errorf("tp/sl %v/%v: %w", p.TakeProfit, p.StopLoss, ErrInvalidParams)
	case p.Mode != domain.ModeNormal && p.Mode != domain.ModeReverse:
		return fmt.Errorf("mode %q: %w", p.Mode, ErrInvalidParams)
	case p.Cooldown < 0:
		return fmt.Errorf("cooldown %s: %w", p.Cooldown, ErrInvalidParams)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Factory builds a strategy instance from parameters.
type Factory func(p Params) (Strategy, error)

// Registry holds named strategy factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// New validates p and builds the strategy registered under name.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownStrategy)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return f(p)
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
