package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"algotrade/internal/domain"
	"algotrade/internal/util"
)

// Compile-time interface check.
var _ Feed = (*AlpacaPoller)(nil)

// barsClient is the subset of *marketdata.Client used by the poller and the
// backfill.
type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

const (
	fetchAttempts  = 3
	fetchBaseDelay = time.Second
)

// AlpacaConfig configures the Alpaca market-data client.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	DataURL   string
	Feed      string // "sip" or "iex"; empty uses the account default

	// RateLimitPerMin caps data API calls; zero disables limiting.
	RateLimitPerMin int

	// Location is the exchange time zone. Bar timestamps are converted to
	// its wall clock and stored as UTC.
	Location *time.Location
}

// NewMarketDataClient creates an Alpaca market-data client from cfg.
func NewMarketDataClient(cfg AlpacaConfig) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return marketdata.NewClient(opts)
}

// AlpacaPoller polls one-minute bars for a symbol and delivers every
// completed bar newer than the last delivered one.
type AlpacaPoller struct {
	client   barsClient
	symbol   string
	feed     string
	loc      *time.Location
	interval time.Duration
	lookback time.Duration
	limiter  *util.RateLimiter
	calendar *util.TradingCalendar
	now      func() time.Time

	last time.Time
	log  *slog.Logger
}

// NewAlpacaPoller creates a poller for symbol. A nil calendar polls around
// the clock.
func NewAlpacaPoller(cfg AlpacaConfig, symbol string, calendar *util.TradingCalendar, log *slog.Logger) *AlpacaPoller {
	return newAlpacaPoller(NewMarketDataClient(cfg), cfg, symbol, calendar, log)
}

func newAlpacaPoller(client barsClient, cfg AlpacaConfig, symbol string, calendar *util.TradingCalendar, log *slog.Logger) *AlpacaPoller {
	if log == nil {
		log = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &AlpacaPoller{
		client:   client,
		symbol:   strings.ToUpper(symbol),
		feed:     cfg.Feed,
		loc:      loc,
		interval: 15 * time.Second,
		lookback: 10 * time.Minute,
		limiter:  util.NewRateLimiter(cfg.RateLimitPerMin),
		calendar: calendar,
		now:      time.Now,
		log:      log.With("component", "feed", "feed", "alpaca", "symbol", symbol),
	}
}

// Name returns "alpaca".
func (p *AlpacaPoller) Name() string { return "alpaca" }

// Resume makes the poller deliver only bars after t, typically the last
// preloaded bar.
func (p *AlpacaPoller) Resume(t time.Time) { p.last = t }

// Run polls until ctx is cancelled. Fetch errors are logged and retried on
// the next tick; sink errors stop the feed.
func (p *AlpacaPoller) Run(ctx context.Context, sink BarSink) error {
	p.log.Info("polling started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.calendar == nil || p.calendar.IsMarketOpen(p.wallClock(p.now())) {
			n, err := p.Poll(ctx, sink)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case err != nil && n < 0:
				return err
			case err != nil:
				p.log.Warn("poll failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			p.log.Info("polling stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches recent bars once and delivers the new completed ones. It
// returns the number delivered, or -1 when sink failed.
func (p *AlpacaPoller) Poll(ctx context.Context, sink BarSink) (int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	now := p.now()
	start := now.Add(-p.lookback)
	if !p.last.IsZero() {
		start = utcOf(p.last, p.loc).Add(time.Minute)
	}

	var raw []marketdata.Bar
	err := util.Retry(ctx, fetchAttempts, fetchBaseDelay, func() error {
		var err error
		raw, err = p.client.GetBars(p.symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneMin,
			Start:     start,
			End:       now,
			Feed:      marketdata.Feed(p.feed),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("GetBars %s: %w", p.symbol, err)
	}

	delivered := 0
	for _, ab := range raw {
		// The bar covering the current minute is still forming.
		if ab.Timestamp.Add(time.Minute).After(now) {
			continue
		}
		bar := toBar(p.symbol, ab, p.loc)
		if !p.last.IsZero() && !bar.Timestamp.After(p.last) {
			continue
		}
		if err := sink.DeliverBar(ctx, bar); err != nil {
			return -1, fmt.Errorf("delivering %s: %w", bar.Timestamp.Format(time.DateTime), err)
		}
		p.last = bar.Timestamp
		delivered++
	}
	if delivered > 0 {
		p.log.Debug("delivered bars", "count", delivered, "last", p.last)
	}
	return delivered, nil
}

func (p *AlpacaPoller) wallClock(t time.Time) time.Time { return wallClock(t, p.loc) }

// toBar converts an Alpaca bar to a domain bar on the exchange wall clock.
func toBar(symbol string, ab marketdata.Bar, loc *time.Location) domain.Bar {
	return domain.Bar{
		Symbol:    strings.ToUpper(symbol),
		Timestamp: wallClock(ab.Timestamp, loc),
		Open:      ab.Open,
		High:      ab.High,
		Low:       ab.Low,
		Close:     ab.Close,
		Volume:    int64(ab.Volume),
	}
}

// wallClock returns t's wall clock in loc, labelled UTC.
func wallClock(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// utcOf is the inverse of wallClock.
func utcOf(wall time.Time, loc *time.Location) time.Time {
	return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc).UTC()
}
