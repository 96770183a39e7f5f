package broker

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*PaperBroker)(nil)

// SeparateOrderSuffix marks the opening half of a split order.
const SeparateOrderSuffix = "(separate order)"

// PaperBroker fills live decisions at the close of the most recently
// observed bar. A closing order larger than the open inventory is split into
// the close and a separate opening order, both journaled.
type PaperBroker struct {
	mu       sync.Mutex
	last     domain.Bar
	seen     bool
	position domain.Position
	journal  []domain.Fill
}

// NewPaperBroker creates an empty PaperBroker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{}
}

// Name returns "paper".
func (b *PaperBroker) Name() string {
	return "paper"
}

// Observe records the latest bar. Fills use its close and timestamp.
func (b *PaperBroker) Observe(bar domain.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = bar
	b.seen = true
}

// PlaceOrder fills d at the last observed close. The returned fill covers
// the whole quantity; the journal holds the split legs.
func (b *PaperBroker) PlaceOrder(_ context.Context, d domain.Decision) (domain.Fill, error) {
	if err := validate(d); err != nil {
		return domain.Fill{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.seen {
		return domain.Fill{}, ErrNoPrice
	}

	price := decimal.NewFromFloat(b.last.Close)
	legs := splitClosing(b.position.Inventory, d)
	for _, leg := range legs {
		f := domain.Fill{Time: b.last.Timestamp, Side: leg.Side, Qty: leg.Qty, Price: price, Tag: leg.Tag}
		b.position.Apply(f.Side, f.Qty, f.Price, f.Time)
		b.journal = append(b.journal, f)
	}
	return domain.Fill{Time: b.last.Timestamp, Side: d.Side, Qty: d.Qty, Price: price, Tag: d.Tag}, nil
}

// splitClosing returns d as one leg, or as a closing leg plus an opening leg
// when d reduces inventory past zero.
func splitClosing(inventory int64, d domain.Decision) []domain.Decision {
	closing := (inventory > 0 && d.Side == domain.SideSell) || (inventory < 0 && d.Side == domain.SideBuy)
	held := abs(inventory)
	if !closing || d.Qty <= held {
		return []domain.Decision{d}
	}
	open := d
	open.Qty = d.Qty - held
	open.Tag = d.Tag + SeparateOrderSuffix
	d.Qty = held
	return []domain.Decision{d, open}
}

// Position returns the paper account position.
func (b *PaperBroker) Position(_ context.Context) (domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position, nil
}

// Journal returns a copy of the paper fills.
func (b *PaperBroker) Journal() []domain.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Fill, len(b.journal))
	copy(out, b.journal)
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
