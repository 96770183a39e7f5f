package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"algotrade/internal/api"
	"algotrade/internal/broker"
	"algotrade/internal/config"
	"algotrade/internal/control"
	"algotrade/internal/domain"
	"algotrade/internal/engine"
	"algotrade/internal/feed"
	"algotrade/internal/store"
	"algotrade/internal/strategy/builtins"
	"algotrade/internal/util"
)

func main() {
	var (
		feedName = flag.String("feed", "alpaca", `bar source: "alpaca" or "replay"`)
		tz       = flag.String("tz", "Asia/Hong_Kong", "exchange time zone of the traded symbol")
		preload  = flag.Int("preload-days", 5, "days of stored bars loaded for indicator warm-up")
		from     = flag.String("from", "", "replay start date (2006-01-02)")
		to       = flag.String("to", "", "replay end date (2006-01-02)")
		pace     = flag.Duration("pace", 0, "delay between replayed bars")
		serve    = flag.Bool("serve", true, "serve the API with this session attached")
	)
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level)
	if cfg.Logging.Format == "text" {
		logger = util.NewTextLogger(os.Stderr, cfg.Logging.Level)
	}
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, options{
		feed:        *feedName,
		tz:          *tz,
		preloadDays: *preload,
		from:        *from,
		to:          *to,
		pace:        *pace,
		serve:       *serve,
	}, logger); err != nil {
		logger.Error("algotrade-trader failed", "error", err)
		os.Exit(1)
	}
	logger.Info("algotrade-trader stopped")
}

type options struct {
	feed        string
	tz          string
	preloadDays int
	from, to    string
	pace        time.Duration
	serve       bool
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	loc, err := time.LoadLocation(opts.tz)
	if err != nil {
		return fmt.Errorf("loading time zone: %w", err)
	}

	bars, closeBars, err := store.OpenBarStore(ctx, cfg.Storage.BarStore, cfg.Storage.DataDir, store.ClickHouseConfig(cfg.ClickHouse))
	if err != nil {
		return fmt.Errorf("opening bar store: %w", err)
	}
	defer closeBars()

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite: %w", err)
	}
	defer db.Close()

	params, err := cfg.Strategy.Params()
	if err != nil {
		return err
	}
	registry := builtins.NewRegistry()
	strat, err := registry.New(cfg.Strategy.Name, params)
	if err != nil {
		return err
	}

	var b broker.Broker
	switch cfg.Trading.Broker {
	case "alpaca":
		b = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, params.Symbol, logger)
	default:
		b = broker.NewPaperBroker()
	}

	controls := control.NewStore(cfg.Trading.ControlsPath, logger)
	risk := engine.NewRiskManager(params.MaxContract,
		decimal.NewFromFloat(cfg.Trading.MaxDailyLoss), decimal.NewFromFloat(cfg.Backtest.PointValue))
	sessionID := fmt.Sprintf("live-%s-%s", time.Now().In(loc).Format("20060102"), uuid.NewString()[:8])

	e := engine.New(strat, params, b, engine.Options{
		Risk:      risk,
		Controls:  controls,
		Journal:   db,
		SessionID: sessionID,
	}, logger)

	src, sink, err := buildFeed(ctx, cfg, opts, loc, bars, e, logger)
	if err != nil {
		return err
	}

	logger.Info("algotrade-trader starting",
		"strategy", strat.Name(), "symbol", params.Symbol, "broker", b.Name(),
		"feed", src.Name(), "session", sessionID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := src.Run(gctx, sink)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil && opts.serve {
			// A finished replay leaves the API up until shutdown.
			<-gctx.Done()
		}
		return err
	})
	if opts.serve {
		srv := api.NewServer(cfg.Server, api.Deps{
			Registry: registry,
			Bars:     bars,
			Journals: db,
			Reports:  db,
			Runs:     db,
			Controls: controls,
			Params:   params,
			Costs:    cfg.Backtest.Costs(),
			Workers:  cfg.Backtest.Workers,
			WarmUp:   cfg.Backtest.WarmUp,
		}, logger)
		srv.AttachEngine(e)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	return g.Wait()
}

// buildFeed preloads the engine and returns the configured source with the
// sink it delivers to. Polled bars are also written to the bar store.
func buildFeed(ctx context.Context, cfg *config.Config, opts options, loc *time.Location,
	bars store.BarStore, e *engine.Engine, logger *slog.Logger) (feed.Feed, feed.BarSink, error) {

	switch opts.feed {
	case "replay":
		start, err := time.Parse(time.DateOnly, opts.from)
		if err != nil {
			return nil, nil, fmt.Errorf("-from: %w", err)
		}
		end, err := time.Parse(time.DateOnly, opts.to)
		if err != nil {
			return nil, nil, fmt.Errorf("-to: %w", err)
		}
		if _, err := preloadRange(ctx, e, bars, cfg.Strategy.Symbol, start.AddDate(0, 0, -opts.preloadDays), start); err != nil {
			return nil, nil, err
		}
		src := feed.NewReplayFeed(bars, cfg.Strategy.Symbol, start, end.AddDate(0, 0, 1).Add(-time.Nanosecond), logger).
			WithPace(opts.pace)
		return src, e, nil

	case "alpaca":
		now := time.Now().In(loc)
		wall := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, time.UTC)
		last, err := preloadRange(ctx, e, bars, cfg.Strategy.Symbol, wall.AddDate(0, 0, -opts.preloadDays), wall)
		if err != nil {
			return nil, nil, err
		}
		poller := feed.NewAlpacaPoller(feed.AlpacaConfig{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
			Location:        loc,
		}, cfg.Strategy.Symbol, util.NewTradingCalendar(), logger)
		if !last.IsZero() {
			poller.Resume(last)
		}
		record := feed.SinkFunc(func(ctx context.Context, bar domain.Bar) error {
			return bars.WriteBars(ctx, []domain.Bar{bar})
		})
		return poller, feed.Fan(e, record), nil

	default:
		return nil, nil, fmt.Errorf("unknown feed %q", opts.feed)
	}
}

// preloadRange installs the stored bars in [start, end) and returns the
// time of the last one.
func preloadRange(ctx context.Context, e *engine.Engine, bars store.BarStore, symbol string, start, end time.Time) (time.Time, error) {
	history, err := bars.ReadBars(ctx, symbol, start, end.Add(-time.Nanosecond))
	if err != nil {
		return time.Time{}, fmt.Errorf("reading warm-up bars: %w", err)
	}
	if len(history) == 0 {
		return time.Time{}, nil
	}
	return history[len(history)-1].Timestamp, e.Preload(history)
}
