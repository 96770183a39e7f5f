package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// calendarClient is the subset of *alpaca.Client used to find trading days.
type calendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// settleCutoff is the wall-clock time after which a day's extended-hours
// bars are considered complete.
const settleCutoff = 20*time.Hour + 5*time.Minute

// LatestFinishedTradingDay returns the most recent trading day whose session
// has ended, using the Alpaca trading calendar. It is the default end of a
// backfill.
func LatestFinishedTradingDay(apiKey, apiSecret, baseURL string, loc *time.Location) (time.Time, error) {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return latestFinishedTradingDay(client, time.Now().In(loc))
}

func latestFinishedTradingDay(client calendarClient, now time.Time) (time.Time, error) {
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return time.Time{}, errors.New("no trading days returned from calendar")
	}

	today := now.Format(time.DateOnly)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for i := len(days) - 1; i >= 0; i-- {
		d, err := time.Parse(time.DateOnly, days[i].Date)
		if err != nil {
			continue
		}
		if days[i].Date == today {
			if now.Sub(midnight) >= settleCutoff {
				return d, nil
			}
			continue
		}
		if d.Format(time.DateOnly) < today {
			return d, nil
		}
	}
	return time.Time{}, errors.New("no finished trading day in the last week")
}
