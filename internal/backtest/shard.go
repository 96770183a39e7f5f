package backtest

import (
	"errors"
	"fmt"
	"time"

	"algotrade/internal/domain"
)

// ErrInvalidRange is returned when a shard plan is requested for an empty
// date range or a non-positive shard count.
var ErrInvalidRange = errors.New("invalid backtest range")

// Session bounds of a shard's bar window. A shard covering [start, end]
// reads bars from start@SessionStart up to (end+1d)@SessionEnd so the night
// session of its last day is included.
const (
	SessionStart = 9*time.Hour + 15*time.Minute
	SessionEnd   = 3 * time.Hour
)

// PlanShards splits the inclusive calendar range [start, end] into at most
// n contiguous shards. Every shard gets D/k days, where D is the number of
// days and k = min(n, D); the last shard absorbs the remainder.
func PlanShards(start, end time.Time, n int) ([]domain.Shard, error) {
	start, end = dateOf(start), dateOf(end)
	if n < 1 {
		return nil, fmt.Errorf("shard count %d: %w", n, ErrInvalidRange)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%s after %s: %w", start.Format(time.DateOnly), end.Format(time.DateOnly), ErrInvalidRange)
	}

	days := int(end.Sub(start).Hours()/24) + 1
	k := min(n, days)
	per := days / k

	shards := make([]domain.Shard, k)
	for i := range k {
		s := start.AddDate(0, 0, i*per)
		e := s.AddDate(0, 0, per-1)
		if i == k-1 {
			e = end
		}
		shards[i] = domain.Shard{Index: i, Start: s, End: e}
	}
	return shards, nil
}

// Window returns the bar time range read for shard s.
func Window(s domain.Shard) (from, to time.Time) {
	return dateOf(s.Start).Add(SessionStart), dateOf(s.End).AddDate(0, 0, 1).Add(SessionEnd)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
