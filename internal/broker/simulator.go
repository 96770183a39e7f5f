package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker is the backtest execution simulator. A decision made on
// bar i fills at the open of bar i+1, so no decision can see the price it
// trades at. It keeps the account position and the append-only journal in
// memory and is owned by a single shard.
type SimulatorBroker struct {
	series   domain.Series
	position domain.Position
	journal  []domain.Fill
}

// NewSimulatorBroker creates a SimulatorBroker over series.
func NewSimulatorBroker(series domain.Series) *SimulatorBroker {
	return &SimulatorBroker{series: series}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// PlaceOrder fills d at the open of the bar following d.BarIndex.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, d domain.Decision) (domain.Fill, error) {
	if err := validate(d); err != nil {
		return domain.Fill{}, err
	}
	next := d.BarIndex + 1
	if d.BarIndex < 0 || next >= b.series.Len() {
		return domain.Fill{}, fmt.Errorf("decision at bar %d of %d: %w", d.BarIndex, b.series.Len(), ErrNoNextBar)
	}

	bar := b.series.At(next)
	fill := domain.Fill{
		Time:  bar.Timestamp,
		Side:  d.Side,
		Qty:   d.Qty,
		Price: decimal.NewFromFloat(bar.Open),
		Tag:   d.Tag,
	}
	b.position.Apply(fill.Side, fill.Qty, fill.Price, fill.Time)
	b.journal = append(b.journal, fill)
	return fill, nil
}

// Position returns the account position.
func (b *SimulatorBroker) Position(_ context.Context) (domain.Position, error) {
	return b.position, nil
}

// Journal returns a copy of every fill in execution order.
func (b *SimulatorBroker) Journal() []domain.Fill {
	out := make([]domain.Fill, len(b.journal))
	copy(out, b.journal)
	return out
}
