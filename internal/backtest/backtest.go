// Package backtest runs a strategy over a historical date range by splitting
// it into calendar shards, simulating each shard independently, and merging
// the shard journals and reports once every shard has finished.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"algotrade/internal/analytics"
	"algotrade/internal/broker"
	"algotrade/internal/domain"
	"algotrade/internal/store"
	"algotrade/internal/strategy"
)

// DefaultWarmUp is the number of bars skipped at the start of every shard
// before decisions are evaluated.
const DefaultWarmUp = 500

// ErrInvalidConfig is returned for a run configuration that cannot start.
var ErrInvalidConfig = errors.New("invalid backtest config")

// RunConfig describes one backtest run.
type RunConfig struct {
	Strategy string          `json:"strategy"`
	Symbol   string          `json:"symbol"`
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Workers  int             `json:"workers"`           // 0 means runtime.NumCPU()
	WarmUp   int             `json:"warm_up,omitempty"` // 0 means DefaultWarmUp
	Params   strategy.Params `json:"-"`
	Costs    analytics.Costs `json:"costs"`
}

// Validate checks the fields that do not depend on the registry.
func (c RunConfig) Validate() error {
	switch {
	case c.Strategy == "":
		return fmt.Errorf("strategy is required: %w", ErrInvalidConfig)
	case c.Symbol == "":
		return fmt.Errorf("symbol is required: %w", ErrInvalidConfig)
	case c.Workers < 0:
		return fmt.Errorf("workers %d: %w", c.Workers, ErrInvalidConfig)
	case c.WarmUp < 0:
		return fmt.Errorf("warm_up %d: %w", c.WarmUp, ErrInvalidConfig)
	case c.End.Before(c.Start):
		return fmt.Errorf("end %s before start %s: %w",
			c.End.Format(time.DateOnly), c.Start.Format(time.DateOnly), ErrInvalidConfig)
	}
	return c.Params.Validate()
}

func (c RunConfig) workers() int {
	if c.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

func (c RunConfig) warmUp() int {
	if c.WarmUp == 0 {
		return DefaultWarmUp
	}
	return c.WarmUp
}

// ShardResult is the outcome of one shard. A failed shard carries Err and
// no journal.
type ShardResult struct {
	Shard   domain.Shard
	Bars    int
	Journal []domain.Fill
	Monthly []domain.ReportRow
	Err     error
}

// ShardFailure records a shard that did not complete.
type ShardFailure struct {
	Shard domain.Shard `json:"shard"`
	Err   error        `json:"-"`
	Error string       `json:"error"`
}

// Result is the merged outcome of a run.
type Result struct {
	RunID    string                  `json:"run_id"`
	Config   RunConfig               `json:"config"`
	Shards   int                     `json:"shards"`
	Bars     int                     `json:"bars"`
	Journal  []domain.Fill           `json:"journal"`
	Monthly  []domain.ReportRow      `json:"monthly"`
	Yearly   []domain.ReportRow      `json:"yearly"`
	Detail   []analytics.DetailRow   `json:"-"`
	Equity   []analytics.Point       `json:"equity"`
	Overview analytics.OverviewStats `json:"overview"`
	Failures []ShardFailure          `json:"failures,omitempty"`
	Elapsed  time.Duration           `json:"elapsed"`
}

// Backtester runs sharded backtests.
type Backtester struct {
	bars     store.BarStore
	registry *strategy.Registry
	journals store.JournalStore
	reports  store.ReportStore
	runs     store.RunStore
	log      *slog.Logger
}

// New creates a Backtester reading bars from bars and building strategies
// from registry.
func New(bars store.BarStore, registry *strategy.Registry, log *slog.Logger) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{
		bars:     bars,
		registry: registry,
		log:      log.With("component", "backtest"),
	}
}

// WithPersistence makes Run save journals, reports and run records. Any of
// the stores may be nil.
func (b *Backtester) WithPersistence(journals store.JournalStore, reports store.ReportStore, runs store.RunStore) *Backtester {
	b.journals = journals
	b.reports = reports
	b.runs = runs
	return b
}

// Run executes cfg with a fresh run id.
func (b *Backtester) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	return b.RunWithID(ctx, uuid.NewString(), cfg)
}

// RunWithID executes cfg under runID. Shards run in parallel, bounded by the
// worker count; a failing or panicking shard is reported in
// Result.Failures and does not affect its siblings.
func (b *Backtester) RunWithID(ctx context.Context, runID string, cfg RunConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, ok := b.registry.Get(cfg.Strategy); !ok {
		return nil, fmt.Errorf("%q: %w", cfg.Strategy, strategy.ErrUnknownStrategy)
	}

	workers := cfg.workers()
	shards, err := PlanShards(cfg.Start, cfg.End, workers)
	if err != nil {
		return nil, err
	}

	log := b.log.With("run_id", runID, "strategy", cfg.Strategy, "symbol", cfg.Symbol)
	log.Info("backtest started", "start", cfg.Start.Format(time.DateOnly),
		"end", cfg.End.Format(time.DateOnly), "shards", len(shards), "workers", workers)

	began := time.Now()
	record := store.RunRecord{
		ID:        runID,
		Strategy:  cfg.Strategy,
		Symbol:    cfg.Symbol,
		Start:     dateOf(cfg.Start),
		End:       dateOf(cfg.End),
		Workers:   workers,
		Status:    store.RunRunning,
		CreatedAt: began.UTC(),
	}
	b.saveRun(ctx, log, record)

	results := make([]chan ShardResult, len(shards))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, sh := range shards {
		results[i] = make(chan ShardResult, 1)
		ch := results[i]
		g.Go(func() error {
			ch <- b.runShardSafe(ctx, cfg, sh, log)
			return nil
		})
	}
	g.Wait()

	res := &Result{RunID: runID, Config: cfg, Shards: len(shards)}
	var monthly [][]domain.ReportRow
	for _, ch := range results {
		sr := <-ch
		if sr.Err != nil {
			log.Error("shard failed", "shard", sr.Shard.String(), "error", sr.Err)
			res.Failures = append(res.Failures, ShardFailure{Shard: sr.Shard, Err: sr.Err, Error: sr.Err.Error()})
			continue
		}
		res.Bars += sr.Bars
		res.Journal = append(res.Journal, sr.Journal...)
		monthly = append(monthly, sr.Monthly)
	}

	if err := ctx.Err(); err != nil {
		record.Status, record.Error, record.FinishedAt = store.RunFailed, err.Error(), time.Now().UTC()
		b.saveRun(context.WithoutCancel(ctx), log, record)
		return nil, fmt.Errorf("backtest %s: %w", runID, err)
	}

	sort.SliceStable(res.Journal, func(i, j int) bool { return res.Journal[i].Time.Before(res.Journal[j].Time) })
	res.Monthly = analytics.MergeMonthly(monthly...)
	res.Yearly = analytics.YearlyReport(res.Monthly)
	res.Detail = analytics.DetailReport(res.Journal, cfg.Costs)
	res.Equity = analytics.EquityCurve(res.Detail)
	res.Overview = analytics.Overview(res.Detail)
	res.Elapsed = time.Since(began)

	if err := b.persist(ctx, res); err != nil {
		record.Status, record.Error, record.FinishedAt = store.RunFailed, err.Error(), time.Now().UTC()
		b.saveRun(ctx, log, record)
		return res, err
	}

	record.Status, record.FinishedAt = store.RunDone, time.Now().UTC()
	if len(res.Failures) > 0 {
		record.Error = fmt.Sprintf("%d of %d shards failed", len(res.Failures), len(shards))
	}
	b.saveRun(ctx, log, record)

	log.Info("backtest finished", "fills", len(res.Journal), "bars", res.Bars,
		"failures", len(res.Failures), "profit_loss", res.Overview.ProfitLoss.String(),
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// runShardSafe converts a panic inside the shard into a shard error.
func (b *Backtester) runShardSafe(ctx context.Context, cfg RunConfig, sh domain.Shard, log *slog.Logger) (res ShardResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ShardResult{Shard: sh, Err: fmt.Errorf("shard %s panicked: %v", sh, r)}
		}
	}()
	sr, err := b.runShard(ctx, cfg, sh, log)
	if err != nil {
		return ShardResult{Shard: sh, Err: fmt.Errorf("shard %s: %w", sh, err)}
	}
	return sr
}

func (b *Backtester) runShard(ctx context.Context, cfg RunConfig, sh domain.Shard, log *slog.Logger) (ShardResult, error) {
	res := ShardResult{Shard: sh}
	from, to := Window(sh)
	bars, err := b.bars.ReadBars(ctx, cfg.Symbol, from, to)
	if err != nil {
		return res, fmt.Errorf("reading bars: %w", err)
	}
	if len(bars) == 0 {
		log.Debug("shard has no bars", "shard", sh.String())
		return res, nil
	}
	series, err := domain.NewSeries(bars)
	if err != nil {
		return res, err
	}
	res.Bars = series.Len()

	s, err := b.registry.New(cfg.Strategy, cfg.Params)
	if err != nil {
		return res, err
	}
	sim := broker.NewSimulatorBroker(series)
	m := strategy.NewMachine(s, cfg.Params, sim, log.With("shard", sh.Index))
	if err := m.Load(series); err != nil {
		return res, err
	}
	if err := m.Run(ctx, cfg.warmUp()); err != nil {
		return res, err
	}

	res.Journal = sim.Journal()
	res.Monthly = analytics.MonthlyReport(res.Journal, cfg.Costs)
	log.Debug("shard done", "shard", sh.String(), "bars", res.Bars, "fills", len(res.Journal))
	return res, nil
}

func (b *Backtester) persist(ctx context.Context, res *Result) error {
	if b.journals != nil {
		if err := b.journals.AppendFills(ctx, res.RunID, res.Journal); err != nil {
			return fmt.Errorf("saving journal: %w", err)
		}
	}
	if b.reports != nil {
		if err := b.reports.SaveReport(ctx, res.RunID, store.ReportMonthly, res.Monthly); err != nil {
			return fmt.Errorf("saving monthly report: %w", err)
		}
		if err := b.reports.SaveReport(ctx, res.RunID, store.ReportYearly, res.Yearly); err != nil {
			return fmt.Errorf("saving yearly report: %w", err)
		}
	}
	return nil
}

func (b *Backtester) saveRun(ctx context.Context, log *slog.Logger, r store.RunRecord) {
	if b.runs == nil {
		return
	}
	if err := b.runs.SaveRun(ctx, r); err != nil {
		log.Warn("saving run record", "status", r.Status, "error", err)
	}
}
