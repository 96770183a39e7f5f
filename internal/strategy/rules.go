package strategy

import (
	"fmt"
	"time"

	"algotrade/internal/domain"
	"algotrade/internal/indicator"
)

// Clock is a time of day.
type Clock struct {
	Hour, Minute, Second int
}

// ParseClock parses "15:04" or "15:04:05".
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04", time.TimeOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockOf(t), nil
		}
	}
	return Clock{}, fmt.Errorf("parsing clock %q", s)
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

func (c Clock) seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

// Before reports whether c is earlier in the day than o.
func (c Clock) Before(o Clock) bool { return c.seconds() < o.seconds() }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Window is the order-opening window [Start, End). When End is earlier than
// Start the window wraps past midnight.
type Window struct {
	Start Clock
	End   Clock
}

// Contains reports whether the time of day of t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	c := ClockOf(t).seconds()
	start, end := w.Start.seconds(), w.End.seconds()
	if end >= start {
		return c >= start && c < end
	}
	return c >= start || c < end
}

// TimeoutRule decides when an open position must be closed. Sessions run
// past midnight until about 03:00, so the hour 3 boundary separates the
// evening part of a session from the next morning.
type TimeoutRule struct {
	// At is the session timeout time of day.
	At Clock
	// Daily lists extra cutoffs matched to the minute every day.
	Daily []Clock
	// Overrides lists exact timestamps that force a timeout.
	Overrides []time.Time
}

// Fired reports whether the rule forces a timeout at t.
func (r TimeoutRule) Fired(t time.Time) bool {
	c := ClockOf(t)
	reached := !c.Before(r.At)
	if r.At.Hour > 3 {
		if reached || t.Hour() <= 3 {
			return true
		}
	} else if reached && t.Hour() <= 3 {
		return true
	}

	for _, d := range r.Daily {
		if c.Hour == d.Hour && c.Minute == d.Minute {
			return true
		}
	}

	stamp := t.Format(time.DateTime)
	for _, o := range r.Overrides {
		if o.Format(time.DateTime) == stamp {
			return true
		}
	}
	return false
}

// CrossOver reports whether a moved from below b at i-1 to above b at i.
// Undefined values never cross.
func CrossOver(a, b indicator.Series, i int) bool {
	a0, ok0 := a.At(i - 1)
	a1, ok1 := a.At(i)
	b0, ok2 := b.At(i - 1)
	b1, ok3 := b.At(i)
	if !ok0 || !ok1 || !ok2 || !ok3 {
		return false
	}
	return a0 < b0 && a1 > b1
}

// CrossUnder reports whether a moved from above b at i-1 to below b at i.
func CrossUnder(a, b indicator.Series, i int) bool {
	a0, ok0 := a.At(i - 1)
	a1, ok1 := a.At(i)
	b0, ok2 := b.At(i - 1)
	b1, ok3 := b.At(i)
	if !ok0 || !ok1 || !ok2 || !ok3 {
		return false
	}
	return a0 > b0 && a1 < b1
}

// CrossOverValue reports whether a crossed above the constant v at i.
func CrossOverValue(a indicator.Series, v float64, i int) bool {
	a0, ok0 := a.At(i - 1)
	a1, ok1 := a.At(i)
	return ok0 && ok1 && a0 < v && a1 > v
}

// CrossUnderValue reports whether a crossed below the constant v at i.
func CrossUnderValue(a indicator.Series, v float64, i int) bool {
	a0, ok0 := a.At(i - 1)
	a1, ok1 := a.At(i)
	return ok0 && ok1 && a0 > v && a1 < v
}

// Transform returns d as it must be sent to the execution gateway under
// mode. Reverse mode mirrors the side and marks the tag.
func Transform(mode domain.Mode, d domain.Decision) domain.Decision {
	if mode != domain.ModeReverse {
		return d
	}
	d.Side = d.Side.Opposite()
	d.Tag += "(reverse)"
	return d
}
