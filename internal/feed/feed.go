// Package feed produces bars for live sessions: a poller over the Alpaca
// minute-bar API, a replay of stored bars, and a historical backfill that
// fills a BarStore.
package feed

import (
	"context"

	"algotrade/internal/domain"
)

// BarSink consumes bars in time order. *engine.Engine implements it.
type BarSink interface {
	DeliverBar(ctx context.Context, bar domain.Bar) error
}

// SinkFunc adapts a function to BarSink.
type SinkFunc func(ctx context.Context, bar domain.Bar) error

// DeliverBar calls f.
func (f SinkFunc) DeliverBar(ctx context.Context, bar domain.Bar) error { return f(ctx, bar) }

// Feed is the interface for all bar sources.
type Feed interface {
	// Name returns the feed identifier.
	Name() string
	// Run delivers bars to sink. It blocks until the source is exhausted,
	// ctx is cancelled, or sink returns an error.
	Run(ctx context.Context, sink BarSink) error
}

// Fan returns a sink that delivers every bar to each of sinks in order and
// stops at the first error.
func Fan(sinks ...BarSink) BarSink {
	return SinkFunc(func(ctx context.Context, bar domain.Bar) error {
		for _, s := range sinks {
			if err := s.DeliverBar(ctx, bar); err != nil {
				return err
			}
		}
		return nil
	})
}
