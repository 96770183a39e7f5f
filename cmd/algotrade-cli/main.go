package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/analytics"
	"algotrade/internal/api"
	"algotrade/internal/backtest"
	"algotrade/internal/config"
	"algotrade/internal/control"
	"algotrade/internal/dashboard"
	"algotrade/internal/domain"
	"algotrade/internal/feed"
	"algotrade/internal/store"
	"algotrade/internal/strategy/builtins"
	"algotrade/internal/util"
	"algotrade/pkg/client"
)

const version = "0.2.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: algotrade-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version      Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  strategies   List strategies registered on the server\n")
	fmt.Fprintf(os.Stderr, "  backtest     Submit a backtest to the server and print its reports\n")
	fmt.Fprintf(os.Stderr, "  run          Run a backtest in-process against the local stores\n")
	fmt.Fprintf(os.Stderr, "  runs         List backtest runs\n")
	fmt.Fprintf(os.Stderr, "  report       Print the monthly or yearly report of a run\n")
	fmt.Fprintf(os.Stderr, "  journal      Print the fills and position summary of a run\n")
	fmt.Fprintf(os.Stderr, "  controls     Show or change strategy controls\n")
	fmt.Fprintf(os.Stderr, "  stream       Print pushed fills and control changes\n")
	fmt.Fprintf(os.Stderr, "  symbols      List symbols in the bar store\n")
	fmt.Fprintf(os.Stderr, "  backfill     Download minute bars from Alpaca into the bar store\n")
	fmt.Fprintf(os.Stderr, "  import-csv   Import vendor CSV contract files into the bar store\n")
	fmt.Fprintf(os.Stderr, "\nRun 'algotrade-cli <command> -h' for command options.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("algotrade-cli %s\n", version)
	case "strategies":
		err = cmdStrategies(ctx, args)
	case "backtest":
		err = cmdBacktest(ctx, args)
	case "run":
		err = cmdRun(ctx, args)
	case "runs":
		err = cmdRuns(ctx, args)
	case "report":
		err = cmdReport(ctx, args)
	case "journal":
		err = cmdJournal(ctx, args)
	case "controls":
		err = cmdControls(ctx, args)
	case "stream":
		err = cmdStream(ctx, args)
	case "symbols":
		err = cmdSymbols(ctx, args)
	case "backfill":
		err = cmdBackfill(ctx, args)
	case "import-csv":
		err = cmdImportCSV(ctx, args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Shared setup
// ---------------------------------------------------------------------------

func serverFlag(fs *flag.FlagSet) *string {
	def := "http://localhost:8080"
	if v := os.Getenv("ALGOTRADE_SERVER"); v != "" {
		def = v
	}
	return fs.String("server", def, "algotrade-server base URL")
}

// local loads the configuration and a stderr logger for commands that work
// on the stores directly.
func local(verbose bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	return cfg, util.NewTextLogger(os.Stderr, level), nil
}

func openBars(ctx context.Context, cfg *config.Config) (store.BarStore, func() error, error) {
	return store.OpenBarStore(ctx, cfg.Storage.BarStore, cfg.Storage.DataDir, store.ClickHouseConfig(cfg.ClickHouse))
}

func parseDate(name, v string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s: %w", name, err)
	}
	return t, nil
}

func section(title string) {
	fmt.Printf("\n== %s ==\n", title)
}

// ---------------------------------------------------------------------------
// Server commands
// ---------------------------------------------------------------------------

func cmdStrategies(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("strategies", flag.ExitOnError)
	server := serverFlag(fs)
	_ = fs.Parse(args)

	names, err := client.NewClient(*server).Strategies(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func cmdBacktest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	server := serverFlag(fs)
	strat := fs.String("strategy", "MAL", "strategy name")
	symbol := fs.String("symbol", "", "symbol (server default when empty)")
	start := fs.String("start", "", "first day (2006-01-02)")
	end := fs.String("end", "", "last day (2006-01-02)")
	workers := fs.Int("workers", 0, "parallel shards (server default when 0)")
	mode := fs.String("mode", "", `"normal" or "reverse"`)
	wait := fs.Bool("wait", true, "wait for the run and print its reports")
	_ = fs.Parse(args)

	req := api.BacktestRequest{Strategy: *strat, Symbol: *symbol, Start: *start, End: *end, Workers: *workers}
	if *mode != "" {
		req.Params = &api.ParamsOverride{Mode: domain.Mode(*mode)}
	}
	c := client.NewClient(*server)
	rec, err := c.SubmitBacktest(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("submitted %s\n", rec.ID)
	if !*wait {
		return nil
	}

	view, err := c.WaitBacktest(ctx, rec.ID, time.Second)
	if err != nil {
		return err
	}
	if view.Run.Status == store.RunFailed {
		return fmt.Errorf("run %s failed: %s", rec.ID, view.Run.Error)
	}
	monthly, err := c.Monthly(ctx, rec.ID, true)
	if err != nil {
		return err
	}
	section("Monthly")
	if err := dashboard.RenderReport(os.Stdout, monthly); err != nil {
		return err
	}
	if view.Result != nil {
		section("Overview")
		return dashboard.RenderOverview(os.Stdout, view.Result.Overview)
	}
	return nil
}

func cmdRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	server := serverFlag(fs)
	_ = fs.Parse(args)

	runs, err := client.NewClient(*server).Backtests(ctx)
	if err != nil {
		return err
	}
	return dashboard.RenderRuns(os.Stdout, runs)
}

func cmdReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	server := serverFlag(fs)
	id := fs.String("id", "", "run id")
	kind := fs.String("kind", store.ReportMonthly, `"monthly" or "yearly"`)
	total := fs.Bool("total", true, "append the total row")
	_ = fs.Parse(args)
	if *id == "" {
		return errors.New("-id is required")
	}

	c := client.NewClient(*server)
	var (
		rows []domain.ReportRow
		err  error
	)
	switch *kind {
	case store.ReportMonthly:
		rows, err = c.Monthly(ctx, *id, *total)
	case store.ReportYearly:
		rows, err = c.Yearly(ctx, *id, *total)
	default:
		return fmt.Errorf("unknown report kind %q", *kind)
	}
	if err != nil {
		return err
	}
	return dashboard.RenderReport(os.Stdout, rows)
}

func cmdJournal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	server := serverFlag(fs)
	id := fs.String("id", "", "run id")
	product := fs.String("product", "HSI", "fee schedule of the traded product")
	pointValue := fs.Float64("point-value", 10, "money per point per contract")
	_ = fs.Parse(args)
	if *id == "" {
		return errors.New("-id is required")
	}

	fills, err := client.NewClient(*server).Journal(ctx, *id)
	if err != nil {
		return err
	}
	if err := dashboard.RenderJournal(os.Stdout, fills); err != nil {
		return err
	}
	fees, ok := analytics.FeesFor(*product)
	if !ok {
		return fmt.Errorf("no fee schedule for %q", *product)
	}
	section("Position")
	return dashboard.RenderPosition(os.Stdout, analytics.PositionSummary(fills, decimal.NewFromFloat(*pointValue), fees))
}

func cmdControls(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("controls", flag.ExitOnError)
	server := serverFlag(fs)
	strat := fs.String("strategy", "", "strategy to change; prints all controls when empty")
	enabled := fs.Bool("enabled", true, "allow the strategy to trade")
	mode := fs.String("mode", string(domain.ModeNormal), `"normal" or "reverse"`)
	_ = fs.Parse(args)

	c := client.NewClient(*server)
	if *strat != "" {
		ctl, err := c.SetControl(ctx, *strat, control.Control{Enabled: *enabled, Mode: domain.Mode(*mode)})
		if err != nil {
			return err
		}
		fmt.Printf("%s: enabled=%v mode=%s\n", *strat, ctl.Enabled, ctl.Mode)
		return nil
	}
	all, err := c.Controls(ctx)
	if err != nil {
		return err
	}
	for name, ctl := range all {
		fmt.Printf("%s: enabled=%v mode=%s\n", name, ctl.Enabled, ctl.Mode)
	}
	return nil
}

func cmdStream(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	server := serverFlag(fs)
	_ = fs.Parse(args)

	return client.NewClient(*server).Stream(ctx, func(m client.Message) {
		var data any
		_ = json.Unmarshal(m.Data, &data)
		fmt.Printf("%s %-8s %v\n", time.Now().Format(time.TimeOnly), m.Type, data)
	})
}

// ---------------------------------------------------------------------------
// Local commands
// ---------------------------------------------------------------------------

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	strat := fs.String("strategy", "", "strategy name (config default when empty)")
	start := fs.String("start", "", "first day (2006-01-02)")
	end := fs.String("end", "", "last day (2006-01-02)")
	workers := fs.Int("workers", 0, "parallel shards (config default when 0)")
	persist := fs.Bool("persist", true, "save the run, journal and reports to sqlite")
	verbose := fs.Bool("v", false, "log shard progress")
	_ = fs.Parse(args)

	cfg, logger, err := local(*verbose)
	if err != nil {
		return err
	}
	from, err := parseDate("start", *start)
	if err != nil {
		return err
	}
	to, err := parseDate("end", *end)
	if err != nil {
		return err
	}
	params, err := cfg.Strategy.Params()
	if err != nil {
		return err
	}

	bars, closeBars, err := openBars(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBars()

	bt := backtest.New(bars, builtins.NewRegistry(), logger)
	if *persist {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		bt = bt.WithPersistence(db, db, db)
	}

	rc := backtest.RunConfig{
		Strategy: cmp.Or(*strat, cfg.Strategy.Name),
		Symbol:   params.Symbol,
		Start:    from,
		End:      to,
		Workers:  cfg.Backtest.Workers,
		WarmUp:   cfg.Backtest.WarmUp,
		Params:   params,
		Costs:    cfg.Backtest.Costs(),
	}
	if *workers > 0 {
		rc.Workers = *workers
	}
	res, err := bt.Run(ctx, rc)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %d shards, %d bars, %d fills in %s\n",
		res.RunID, res.Shards, res.Bars, len(res.Journal), res.Elapsed.Round(time.Millisecond))
	for _, f := range res.Failures {
		fmt.Printf("shard %s failed: %s\n", f.Shard, f.Error)
	}
	section("Monthly")
	if err := dashboard.RenderReport(os.Stdout, analytics.WithTotal(res.Monthly)); err != nil {
		return err
	}
	section("Yearly")
	if err := dashboard.RenderReport(os.Stdout, res.Yearly); err != nil {
		return err
	}
	section("Overview")
	if err := dashboard.RenderOverview(os.Stdout, res.Overview); err != nil {
		return err
	}
	if fees, ok := analytics.FeesFor(cfg.Trading.Product); ok {
		section("Position")
		return dashboard.RenderPosition(os.Stdout,
			analytics.PositionSummary(res.Journal, decimal.NewFromFloat(cfg.Backtest.PointValue), fees))
	}
	return nil
}

func cmdSymbols(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("symbols", flag.ExitOnError)
	_ = fs.Parse(args)

	cfg, _, err := local(false)
	if err != nil {
		return err
	}
	bars, closeBars, err := openBars(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBars()

	symbols, err := bars.ListSymbols(ctx)
	if err != nil {
		return err
	}
	for _, s := range symbols {
		fmt.Println(s)
	}
	return nil
}

func cmdBackfill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	symbols := fs.String("symbols", "", "comma-separated symbols")
	start := fs.String("start", "", "first day (2006-01-02)")
	end := fs.String("end", "", "last day (2006-01-02); the latest finished trading day when empty")
	batch := fs.Int("batch", 50, "symbols per request")
	workers := fs.Int("workers", 4, "concurrent requests")
	tz := fs.String("tz", "America/New_York", "exchange time zone of the symbols")
	track := fs.Bool("progress", true, "skip symbols found empty by earlier runs")
	verbose := fs.Bool("v", false, "log batch progress")
	_ = fs.Parse(args)

	if *symbols == "" {
		return errors.New("-symbols is required")
	}
	cfg, logger, err := local(*verbose)
	if err != nil {
		return err
	}
	from, err := parseDate("start", *start)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(*tz)
	if err != nil {
		return err
	}
	var to time.Time
	if *end == "" {
		to, err = feed.LatestFinishedTradingDay(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, loc)
	} else {
		to, err = parseDate("end", *end)
	}
	if err != nil {
		return err
	}
	bars, closeBars, err := openBars(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBars()

	bf := feed.NewBackfill(feed.AlpacaConfig{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		Location:        loc,
	}, bars, *batch, *workers, logger)
	if *track {
		if err := bf.TrackProgress(filepath.Join(cfg.Storage.DataDir, "backfill")); err != nil {
			return err
		}
		defer bf.Close()
		if last := bf.LastCompleted(); !last.IsZero() {
			fmt.Printf("last completed run ended %s\n", last.Format(time.DateOnly))
		}
	}

	stats, err := bf.Run(ctx, strings.Split(*symbols, ","), from, to.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	fmt.Printf("backfilled %d symbols, %s bars in %s\n",
		stats.Symbols, dashboard.FormatInt(int64(stats.Bars)), stats.Elapsed.Round(time.Millisecond))
	if len(stats.Empty) > 0 {
		fmt.Printf("no data: %s\n", strings.Join(stats.Empty, ", "))
	}
	if stats.Skipped > 0 {
		fmt.Printf("skipped %d symbols empty in earlier runs\n", stats.Skipped)
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d batches failed", stats.Failed)
	}
	return nil
}

func cmdImportCSV(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-csv", flag.ExitOnError)
	dir := fs.String("dir", "", "directory of contract CSV files")
	symbol := fs.String("symbol", "", "symbol to store the bars under (config default when empty)")
	since := fs.String("since", "", "skip contracts expiring before this day (2006-01-02)")
	_ = fs.Parse(args)

	if *dir == "" {
		return errors.New("-dir is required")
	}
	cfg, _, err := local(false)
	if err != nil {
		return err
	}
	var from time.Time
	if *since != "" {
		if from, err = parseDate("since", *since); err != nil {
			return err
		}
	}
	sym := cmp.Or(*symbol, cfg.Strategy.Symbol)

	loaded, err := store.NewCSVLoader(cfg.Storage.CSVCharset).LoadContracts(*dir, sym, from)
	if err != nil {
		return err
	}
	bars, closeBars, err := openBars(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBars()
	if err := bars.WriteBars(ctx, loaded); err != nil {
		return err
	}
	fmt.Printf("imported %s bars for %s\n", dashboard.FormatInt(int64(len(loaded))), sym)
	return nil
}
