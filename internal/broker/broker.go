// Package broker defines the Broker interface and provides the execution
// venues a strategy Machine can route decisions to: the backtest simulator,
// the live paper broker and the Alpaca adapter.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

var (
	// ErrNoNextBar is returned by the simulator when a decision is made on
	// the last bar of the series.
	ErrNoNextBar = errors.New("no bar after decision")

	// ErrInvalidOrder is returned for a decision with a non-positive
	// quantity or an unknown side.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrNoPrice is returned by the paper broker before any bar was seen.
	ErrNoPrice = errors.New("no price available")

	// ErrNotFilled is returned when a live order ends without a fill.
	ErrNotFilled = errors.New("order not filled")
)

// Broker abstracts an execution venue. Every Broker is a strategy.Gateway.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder executes a decision and returns the resulting fill.
	PlaceOrder(ctx context.Context, d domain.Decision) (domain.Fill, error)

	// Position returns the account position as held at the venue.
	Position(ctx context.Context) (domain.Position, error)
}

// AccountInfo is a snapshot of account balances.
type AccountInfo struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

func validate(d domain.Decision) error {
	if d.Qty <= 0 || (d.Side != domain.SideBuy && d.Side != domain.SideSell) {
		return fmt.Errorf("%s %d %q: %w", d.Side, d.Qty, d.Tag, ErrInvalidOrder)
	}
	return nil
}
