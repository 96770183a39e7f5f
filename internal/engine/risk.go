package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
	"algotrade/internal/util"
)

var (
	// ErrMaxContract is returned when an order would grow the account
	// inventory past the configured limit.
	ErrMaxContract = errors.New("max contract exceeded")

	// ErrDailyLoss is returned for opening orders once the realized loss of
	// the session day reached the limit.
	ErrDailyLoss = errors.New("max daily loss reached")
)

// RiskManager enforces account-level pre-trade rules: a maximum absolute
// inventory and a maximum realized loss per session day. Reductions are
// always allowed.
type RiskManager struct {
	mu           sync.Mutex
	maxContract  int64
	maxDailyLoss decimal.Decimal // money; zero disables
	pointValue   decimal.Decimal

	day      time.Time
	realized decimal.Decimal
	position domain.Position
}

// NewRiskManager creates a RiskManager. maxContract <= 0 disables the
// inventory limit and maxDailyLoss <= 0 disables the loss limit. pointValue
// converts points to money.
func NewRiskManager(maxContract int64, maxDailyLoss, pointValue decimal.Decimal) *RiskManager {
	if pointValue.IsZero() {
		pointValue = decimal.NewFromInt(1)
	}
	return &RiskManager{
		maxContract:  maxContract,
		maxDailyLoss: maxDailyLoss,
		pointValue:   pointValue,
		realized:     decimal.Zero,
	}
}

// StartBar rolls the loss counter when t belongs to a new session day.
func (rm *RiskManager) StartBar(t time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if d := util.SessionDate(t); !d.Equal(rm.day) {
		rm.day = d
		rm.realized = decimal.Zero
	}
}

// CheckOrder evaluates d against the limits given the account inventory.
func (rm *RiskManager) CheckOrder(d domain.Decision) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	before := rm.position.Inventory
	after := before + d.Side.Sign()*d.Qty
	if abs(after) <= abs(before) {
		return nil
	}
	if rm.maxContract > 0 && abs(after) > rm.maxContract {
		return fmt.Errorf("inventory %d -> %d (max %d): %w", before, after, rm.maxContract, ErrMaxContract)
	}
	if rm.breached() {
		return fmt.Errorf("realized %s: %w", rm.realized.String(), ErrDailyLoss)
	}
	return nil
}

// OnFill books a fill and updates the realized P&L of the session day.
func (rm *RiskManager) OnFill(f domain.Fill) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	inv := rm.position.Inventory
	signed := f.Side.Sign() * f.Qty
	if inv != 0 && (inv > 0) != (signed > 0) {
		closed := min(abs(inv), f.Qty)
		diff := f.Price.Sub(rm.position.AvgPrice)
		if inv < 0 {
			diff = diff.Neg()
		}
		rm.realized = rm.realized.Add(diff.Mul(decimal.NewFromInt(closed)).Mul(rm.pointValue))
	}
	rm.position.Apply(f.Side, f.Qty, f.Price, f.Time)
}

// Halted reports whether the daily loss limit has been reached.
func (rm *RiskManager) Halted() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.breached()
}

// Realized returns the realized P&L of the current session day in money.
func (rm *RiskManager) Realized() decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.realized
}

// Inventory returns the account inventory seen by the risk manager.
func (rm *RiskManager) Inventory() int64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.position.Inventory
}

func (rm *RiskManager) breached() bool {
	return rm.maxDailyLoss.IsPositive() && rm.realized.LessThanOrEqual(rm.maxDailyLoss.Neg())
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
