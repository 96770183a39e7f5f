// Package domain defines the core types shared by the strategy, execution,
// backtest and analytics layers: bars, decisions, fills, positions, shards
// and report rows.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptySeries is returned when a bar series is built from no bars.
	ErrEmptySeries = errors.New("empty bar series")

	// ErrNonMonotonic is returned when bar timestamps are not strictly
	// increasing.
	ErrNonMonotonic = errors.New("bar timestamps not strictly increasing")
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV observation for a fixed interval.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Series is an ordered, index-addressable sequence of bars. A Series is
// never mutated after construction; Append returns a new Series.
type Series struct {
	bars []Bar
}

// NewSeries validates bars and wraps them in a Series. The slice must be
// non-empty and strictly increasing in time.
func NewSeries(bars []Bar) (Series, error) {
	if len(bars) == 0 {
		return Series{}, ErrEmptySeries
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return Series{}, fmt.Errorf("index %d (%s after %s): %w", i,
				bars[i].Timestamp.Format(time.DateTime), bars[i-1].Timestamp.Format(time.DateTime), ErrNonMonotonic)
		}
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return Series{bars: out}, nil
}

// Len returns the number of bars.
func (s Series) Len() int { return len(s.bars) }

// At returns the bar at index i.
func (s Series) At(i int) Bar { return s.bars[i] }

// Bars returns a copy of the underlying bars.
func (s Series) Bars() []Bar {
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Closes returns the close prices in order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.bars))
	for i, b := range s.bars {
		out[i] = b.Close
	}
	return out
}

// Append returns a new Series with b added at the end. b must be strictly
// later than the last bar.
func (s Series) Append(b Bar) (Series, error) {
	if n := len(s.bars); n > 0 && !b.Timestamp.After(s.bars[n-1].Timestamp) {
		return s, fmt.Errorf("appending %s after %s: %w",
			b.Timestamp.Format(time.DateTime), s.bars[n-1].Timestamp.Format(time.DateTime), ErrNonMonotonic)
	}
	bars := make([]Bar, len(s.bars), len(s.bars)+1)
	copy(bars, s.bars)
	return Series{bars: append(bars, b)}, nil
}

// Slice returns the bars whose timestamps fall within [from, to]. The result
// may be empty.
func (s Series) Slice(from, to time.Time) []Bar {
	var out []Bar
	for _, b := range s.bars {
		if b.Timestamp.Before(from) || b.Timestamp.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// Side is the direction of a decision or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for a buy and -1 for a sell.
func (s Side) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// Mode selects whether decisions are sent as emitted or mirrored.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeReverse Mode = "reverse"
)

// Status is the operating status of a strategy instance.
type Status string

const (
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusTimeout Status = "timeout"
	StatusStop    Status = "stop"
)

// Decision is a trade intent produced while evaluating bar BarIndex. It is
// not a fill.
type Decision struct {
	Side     Side   `json:"side"`
	Qty      int64  `json:"qty"`
	Tag      string `json:"tag"`
	BarIndex int    `json:"bar_index"`
}

// Fill is an executed decision. It is also the trade journal record.
type Fill struct {
	Time  time.Time       `json:"time"`
	Side  Side            `json:"side"`
	Qty   int64           `json:"qty"`
	Price decimal.Decimal `json:"price"`
	Tag   string          `json:"tag"`
}

// ---------------------------------------------------------------------------
// Position accounting
// ---------------------------------------------------------------------------

// Position tracks a signed inventory in lots and its pricing.
type Position struct {
	Inventory       int64           `json:"inventory"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	FirstEntryPrice decimal.Decimal `json:"first_entry_price"`
	FirstEntryTime  time.Time       `json:"first_entry_time"`
}

// Flat reports whether the position holds no inventory.
func (p Position) Flat() bool { return p.Inventory == 0 }

// Apply books a fill of qty lots at price. The average price is the
// quantity-weighted mean of the fills that opened or added to the current
// position; reductions leave it unchanged and a flat position resets it to
// zero. A fill that flips the position through zero starts a new position at
// price.
func (p *Position) Apply(side Side, qty int64, price decimal.Decimal, t time.Time) {
	if qty <= 0 {
		return
	}
	before := p.Inventory
	signed := side.Sign() * qty
	after := before + signed

	switch {
	case after == 0:
		p.AvgPrice = decimal.Zero
	case before == 0:
		p.FirstEntryPrice = price
		p.FirstEntryTime = t
		p.AvgPrice = price
	case (before > 0) == (signed > 0):
		held := decimal.NewFromInt(abs(before))
		q := decimal.NewFromInt(qty)
		p.AvgPrice = p.AvgPrice.Mul(held).Add(price.Mul(q)).Div(held.Add(q))
	case (before > 0) != (after > 0):
		p.FirstEntryPrice = price
		p.FirstEntryTime = t
		p.AvgPrice = price
	}
	p.Inventory = after
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ---------------------------------------------------------------------------
// Backtest partitioning and reporting
// ---------------------------------------------------------------------------

// Shard is a contiguous calendar-day range [Start, End] assigned to one
// worker. Both ends are dates at midnight.
type Shard struct {
	Index int       `json:"index"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// String formats the shard as "#i YYYY-MM-DD..YYYY-MM-DD".
func (s Shard) String() string {
	return fmt.Sprintf("#%d %s..%s", s.Index, s.Start.Format(time.DateOnly), s.End.Format(time.DateOnly))
}

// PeriodLayout is the time layout of a monthly report period key.
const PeriodLayout = "2006-Jan"

// TotalPeriod is the period key of a report's total row.
const TotalPeriod = "Total"

// ReportRow aggregates one period of trading.
type ReportRow struct {
	Period     string          `json:"period"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
	TradedQty  int64           `json:"traded_qty"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
}

// Add returns the element-wise sum of r and o, keeping r's period.
func (r ReportRow) Add(o ReportRow) ReportRow {
	return ReportRow{
		Period:     r.Period,
		ProfitLoss: r.ProfitLoss.Add(o.ProfitLoss),
		TradedQty:  r.TradedQty + o.TradedQty,
		Commission: r.Commission.Add(o.Commission),
		Slippage:   r.Slippage.Add(o.Slippage),
	}
}
