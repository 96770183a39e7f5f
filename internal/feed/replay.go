package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"algotrade/internal/domain"
	"algotrade/internal/store"
)

// Compile-time interface check.
var _ Feed = (*ReplayFeed)(nil)

// ReplayFeed delivers stored bars in order, optionally paced, for paper
// trading and demos.
type ReplayFeed struct {
	source func(ctx context.Context) ([]domain.Bar, error)
	pace   time.Duration
	log    *slog.Logger
}

// NewReplayFeed replays bars of symbol in [start, end] from s.
func NewReplayFeed(s store.BarStore, symbol string, start, end time.Time, log *slog.Logger) *ReplayFeed {
	return newReplayFeed(func(ctx context.Context) ([]domain.Bar, error) {
		bars, err := s.ReadBars(ctx, symbol, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading %s bars: %w", symbol, err)
		}
		return bars, nil
	}, log)
}

// NewSeriesFeed replays an in-memory series.
func NewSeriesFeed(series domain.Series, log *slog.Logger) *ReplayFeed {
	return newReplayFeed(func(context.Context) ([]domain.Bar, error) {
		return series.Bars(), nil
	}, log)
}

func newReplayFeed(source func(ctx context.Context) ([]domain.Bar, error), log *slog.Logger) *ReplayFeed {
	if log == nil {
		log = slog.Default()
	}
	return &ReplayFeed{source: source, log: log.With("component", "feed", "feed", "replay")}
}

// WithPace waits d between bars. Zero replays as fast as the sink accepts.
func (f *ReplayFeed) WithPace(d time.Duration) *ReplayFeed {
	f.pace = d
	return f
}

// Name returns "replay".
func (f *ReplayFeed) Name() string { return "replay" }

// Run delivers every bar and returns nil when the source is exhausted.
func (f *ReplayFeed) Run(ctx context.Context, sink BarSink) error {
	bars, err := f.source(ctx)
	if err != nil {
		return err
	}
	f.log.Info("replay started", "bars", len(bars), "pace", f.pace)

	var timer *time.Timer
	if f.pace > 0 {
		timer = time.NewTimer(f.pace)
		defer timer.Stop()
	}
	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.DeliverBar(ctx, bar); err != nil {
			return fmt.Errorf("delivering bar %d: %w", i, err)
		}
		if timer != nil && i < len(bars)-1 {
			timer.Reset(f.pace)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	f.log.Info("replay finished", "bars", len(bars))
	return nil
}
