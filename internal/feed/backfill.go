package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"algotrade/internal/domain"
	"algotrade/internal/store"
	"algotrade/internal/util"
)

// BackfillStats summarizes a backfill run.
type BackfillStats struct {
	Symbols int           // symbols with at least one bar
	Empty   []string      // symbols the API returned nothing for
	Bars    int64         // bars written
	Failed  int           // batches that could not be fetched or written
	Skipped int           // symbols skipped as empty in an earlier run
	Elapsed time.Duration // wall time
}

// Backfill downloads historical minute bars from Alpaca into a BarStore.
// Symbols are fetched in batches by a small worker pool.
type Backfill struct {
	client     barsClient
	store      store.BarStore
	feed       string
	loc        *time.Location
	limiter    *util.RateLimiter
	batchSize  int
	maxWorkers int
	progress   *progress
	log        *slog.Logger
}

// NewBackfill creates a Backfill writing to s.
func NewBackfill(cfg AlpacaConfig, s store.BarStore, batchSize, maxWorkers int, log *slog.Logger) *Backfill {
	return newBackfill(NewMarketDataClient(cfg), cfg, s, batchSize, maxWorkers, log)
}

func newBackfill(client barsClient, cfg AlpacaConfig, s store.BarStore, batchSize, maxWorkers int, log *slog.Logger) *Backfill {
	if log == nil {
		log = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Backfill{
		client:     client,
		store:      s,
		feed:       cfg.Feed,
		loc:        loc,
		limiter:    util.NewRateLimiter(cfg.RateLimitPerMin),
		batchSize:  max(batchSize, 1),
		maxWorkers: max(maxWorkers, 1),
		log:        log.With("component", "feed", "feed", "backfill"),
	}
}

// TrackProgress keeps progress files in dir: symbols that came back empty
// are skipped by later runs, and the end date of the last clean run is
// recorded. Call Close when done.
func (b *Backfill) TrackProgress(dir string) error {
	p, err := openProgress(dir)
	if err != nil {
		return err
	}
	b.progress = p
	return nil
}

// LastCompleted returns the end date of the last run without failed
// batches, or the zero time when progress is not tracked.
func (b *Backfill) LastCompleted() time.Time {
	if b.progress == nil {
		return time.Time{}
	}
	return b.progress.lastCompleted()
}

// Close releases the progress files.
func (b *Backfill) Close() error {
	if b.progress == nil {
		return nil
	}
	return b.progress.close()
}

// Run fetches one-minute bars for symbols over [start, end] and writes them
// to the store. Failed batches are logged and counted; Run only returns an
// error when ctx is cancelled.
func (b *Backfill) Run(ctx context.Context, symbols []string, start, end time.Time) (BackfillStats, error) {
	var stats BackfillStats
	if b.progress != nil {
		kept := symbols[:0:0]
		for _, sym := range symbols {
			if b.progress.isTriedEmpty(sym) {
				stats.Skipped++
				continue
			}
			kept = append(kept, sym)
		}
		symbols = kept
	}

	var batches [][]string
	for i := 0; i < len(symbols); i += b.batchSize {
		batches = append(batches, symbols[i:min(i+b.batchSize, len(symbols))])
	}
	b.log.Info("starting backfill", "symbols", len(symbols), "batches", len(batches),
		"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		bars     atomic.Int64
		failed   atomic.Int64
		runStart = time.Now()
	)

	workers := min(b.maxWorkers, len(batches))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				batch := batches[idx]
				got, err := b.fetch(ctx, batch, start, end)
				if err == nil && len(got) > 0 {
					err = b.store.WriteBars(ctx, got)
				}
				if err != nil {
					failed.Add(1)
					b.log.Error("batch failed", "batch", fmt.Sprintf("%d/%d", idx+1, len(batches)), "error", err)
					continue
				}

				hit := make(map[string]struct{})
				for _, bar := range got {
					hit[bar.Symbol] = struct{}{}
				}
				mu.Lock()
				stats.Symbols += len(hit)
				for _, sym := range batch {
					if _, ok := hit[strings.ToUpper(sym)]; !ok {
						stats.Empty = append(stats.Empty, sym)
					}
				}
				mu.Unlock()
				bars.Add(int64(len(got)))

				b.log.Info("batch done",
					"batch", fmt.Sprintf("%d/%d", idx+1, len(batches)),
					"bars", len(got),
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	stats.Bars = bars.Load()
	stats.Failed = int(failed.Load())
	stats.Elapsed = time.Since(runStart)
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if b.progress != nil {
		if err := b.progress.markEmpty(stats.Empty); err != nil {
			b.log.Warn("recording empty symbols", "error", err)
		}
		if stats.Failed == 0 {
			if err := b.progress.markCompleted(end); err != nil {
				b.log.Warn("recording completion", "error", err)
			}
		}
	}
	b.log.Info("backfill complete", "symbols", stats.Symbols, "empty", len(stats.Empty), "skipped", stats.Skipped,
		"bars", stats.Bars, "failed", stats.Failed, "elapsed", stats.Elapsed.Round(time.Second))
	return stats, nil
}

// fetch loads bars for a batch of symbols in one API call.
func (b *Backfill) fetch(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var multi map[string][]marketdata.Bar
	err := util.Retry(ctx, fetchAttempts, fetchBaseDelay, func() error {
		var err error
		multi, err = b.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneMin,
			Start:     start,
			End:       end,
			Feed:      marketdata.Feed(b.feed),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var out []domain.Bar
	for symbol, raw := range multi {
		for _, ab := range raw {
			out = append(out, toBar(symbol, ab, b.loc))
		}
	}
	return out, nil
}
