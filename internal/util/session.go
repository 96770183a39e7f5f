package util

import "time"

// SessionRollover is the clock time at which the night session of the
// previous trading day ends. Bars stamped before it belong to the previous
// session day.
const SessionRollover = 3 * time.Hour

// Session is one continuous trading period, expressed as offsets from
// midnight. End may exceed 24h for sessions that cross midnight.
type Session struct {
	Start time.Duration
	End   time.Duration
}

// HKFESessions are the Hang Seng index futures trading sessions: morning,
// afternoon and the after-hours session that ends at 03:00.
var HKFESessions = []Session{
	{Start: 9*time.Hour + 15*time.Minute, End: 12 * time.Hour},
	{Start: 13 * time.Hour, End: 16*time.Hour + 30*time.Minute},
	{Start: 17*time.Hour + 15*time.Minute, End: 27 * time.Hour},
}

// SessionDate returns the trading day t belongs to, at midnight in t's
// location. Times before SessionRollover belong to the previous day.
func SessionDate(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	if t.Sub(d) < SessionRollover {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// TradingCalendar answers session questions for one exchange. Holidays are
// not modelled; weekends are closed.
type TradingCalendar struct {
	sessions []Session
}

// NewTradingCalendar creates a calendar over sessions, or HKFESessions
// when none are given.
func NewTradingCalendar(sessions ...Session) *TradingCalendar {
	if len(sessions) == 0 {
		sessions = HKFESessions
	}
	return &TradingCalendar{sessions: sessions}
}

// IsMarketOpen reports whether t falls inside a session of a weekday
// session date.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	day := SessionDate(t)
	if !isWeekday(day) {
		return false
	}
	off := t.Sub(day)
	for _, s := range tc.sessions {
		if off >= s.Start && off < s.End {
			return true
		}
	}
	return false
}

// NextOpen returns the earliest session start at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	day := SessionDate(t)
	for range 8 {
		if isWeekday(day) {
			for _, s := range tc.sessions {
				if open := day.Add(s.Start); !open.Before(t) {
					return open
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

func isWeekday(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
