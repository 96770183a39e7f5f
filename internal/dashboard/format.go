// Package dashboard renders backtest and live-session results as plain text
// tables for the CLI.
package dashboard

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatInt formats an integer with comma separators.
func FormatInt(n int64) string {
	return printer.Sprintf("%d", n)
}

// FormatMoney formats an amount with comma separators and two decimals.
// Negative amounts keep their sign.
func FormatMoney(d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	return printer.Sprintf("%.2f", f)
}

// FormatPct formats a ratio as a percentage, "45.5%".
func FormatPct(r float64) string {
	if math.IsNaN(r) {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", r*100)
}

// FormatRatio formats a ratio with two decimals, or "-" when undefined.
func FormatRatio(r float64) string {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return "-"
	}
	return fmt.Sprintf("%.2f", r)
}
