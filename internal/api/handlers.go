package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"algotrade/internal/analytics"
	"algotrade/internal/backtest"
	"algotrade/internal/control"
	"algotrade/internal/domain"
	"algotrade/internal/store"
	"algotrade/internal/strategy"
)

// errNotFinished is returned for result endpoints of a running backtest.
var errNotFinished = errors.New("backtest not finished")

// ---------------------------------------------------------------------------
// Request and response types
// ---------------------------------------------------------------------------

// BacktestRequest is the body of POST /api/v1/backtests. Dates use
// "2006-01-02". Zero fields take the server defaults.
type BacktestRequest struct {
	Strategy string           `json:"strategy" binding:"required"`
	Symbol   string           `json:"symbol"`
	Start    string           `json:"start" binding:"required"`
	End      string           `json:"end" binding:"required"`
	Workers  int              `json:"workers"`
	WarmUp   int              `json:"warm_up"`
	Params   *ParamsOverride  `json:"params,omitempty"`
	Costs    *analytics.Costs `json:"costs,omitempty"`
}

// ParamsOverride replaces selected strategy parameters of a backtest.
type ParamsOverride struct {
	MaxContract  int64       `json:"max_contract,omitempty"`
	ExecQuantity int64       `json:"exec_quantity,omitempty"`
	TakeProfit   float64     `json:"take_profit,omitempty"`
	StopLoss     float64     `json:"stop_loss,omitempty"`
	EMAFast      int         `json:"ema_fast,omitempty"`
	EMASlow      int         `json:"ema_slow,omitempty"`
	ADXQuietBars int         `json:"adx_quiet_bars,omitempty"`
	Mode         domain.Mode `json:"mode,omitempty"`
}

func (o *ParamsOverride) apply(p strategy.Params) strategy.Params {
	if o == nil {
		return p
	}
	if o.MaxContract > 0 {
		p.MaxContract = o.MaxContract
	}
	if o.ExecQuantity > 0 {
		p.ExecQuantity = o.ExecQuantity
	}
	if o.TakeProfit > 0 {
		p.TakeProfit = o.TakeProfit
	}
	if o.StopLoss > 0 {
		p.StopLoss = o.StopLoss
	}
	if o.EMAFast > 0 {
		p.EMAFast = o.EMAFast
	}
	if o.EMASlow > 0 {
		p.EMASlow = o.EMASlow
	}
	if o.ADXQuietBars > 0 {
		p.ADXQuietBars = o.ADXQuietBars
	}
	if o.Mode != "" {
		p.Mode = o.Mode
	}
	return p
}

// BacktestView is the response of GET /api/v1/backtests/:id.
type BacktestView struct {
	Run    store.RunRecord  `json:"run"`
	Result *backtest.Result `json:"result,omitempty"`
}

// IndicatorView is the response of GET /api/v1/indicators. Undefined
// values are null.
type IndicatorView struct {
	Strategy string                `json:"strategy"`
	Symbol   string                `json:"symbol"`
	Time     []time.Time           `json:"time"`
	Close    []float64             `json:"close"`
	Series   map[string][]*float64 `json:"series"`
}

// SessionView describes an attached live session.
type SessionView struct {
	Strategy  string         `json:"strategy"`
	SessionID string         `json:"session_id,omitempty"`
	State     strategy.State `json:"state"`
}

func respond(c *gin.Context, v any) {
	c.JSON(http.StatusOK, gin.H{"data": v})
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStrategies(c *gin.Context) {
	respond(c, s.deps.Registry.List())
}

func (s *Server) handleCreateBacktest(c *gin.Context) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.runConfig(req)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if _, ok := s.deps.Registry.Get(cfg.Strategy); !ok {
		fail(c, http.StatusBadRequest, fmt.Errorf("%q: %w", cfg.Strategy, strategy.ErrUnknownStrategy))
		return
	}

	id := uuid.NewString()
	j := s.jobs.add(id, cfg)
	s.log.Info("backtest submitted", "run_id", id, "strategy", cfg.Strategy, "symbol", cfg.Symbol,
		"request_id", c.GetString("request_id"))
	go s.runJob(j)

	c.JSON(http.StatusAccepted, gin.H{"data": j.record()})
}

func (s *Server) runJob(j *job) {
	res, err := s.backtester.RunWithID(s.baseCtx, j.id, j.cfg)
	s.jobs.finish(j, res, err)
	rec, _, _ := s.jobs.snapshot(j.id)
	s.hub.Publish(MessageBacktest, rec)
}

// runConfig applies the server defaults to req.
func (s *Server) runConfig(req BacktestRequest) (backtest.RunConfig, error) {
	start, err := time.Parse(time.DateOnly, req.Start)
	if err != nil {
		return backtest.RunConfig{}, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(time.DateOnly, req.End)
	if err != nil {
		return backtest.RunConfig{}, fmt.Errorf("end: %w", err)
	}

	params := req.Params.apply(s.deps.Params)
	if req.Symbol != "" {
		params.Symbol = req.Symbol
	}
	cfg := backtest.RunConfig{
		Strategy: req.Strategy,
		Symbol:   params.Symbol,
		Start:    start,
		End:      end,
		Workers:  req.Workers,
		WarmUp:   req.WarmUp,
		Params:   params,
		Costs:    s.deps.Costs,
	}
	if cfg.Workers == 0 {
		cfg.Workers = s.deps.Workers
	}
	if cfg.WarmUp == 0 {
		cfg.WarmUp = s.deps.WarmUp
	}
	if req.Costs != nil {
		cfg.Costs = *req.Costs
	}
	return cfg, nil
}

func (s *Server) handleListBacktests(c *gin.Context) {
	runs := s.jobs.records()
	if s.deps.Runs != nil {
		stored, err := s.deps.Runs.ListRuns(c.Request.Context())
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		seen := make(map[string]bool, len(runs))
		for _, r := range runs {
			seen[r.ID] = true
		}
		for _, r := range stored {
			if !seen[r.ID] {
				runs = append(runs, r)
			}
		}
		sortRuns(runs)
	}
	respond(c, runs)
}

// lookup finds a run in memory, then in the run store.
func (s *Server) lookup(ctx context.Context, id string) (store.RunRecord, *backtest.Result, error) {
	if rec, res, ok := s.jobs.snapshot(id); ok {
		return rec, res, nil
	}
	if s.deps.Runs == nil {
		return store.RunRecord{}, nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	rec, err := s.deps.Runs.GetRun(ctx, id)
	return rec, nil, err
}

// lookupStatus maps lookup errors to HTTP statuses.
func lookupStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNotFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetBacktest(c *gin.Context) {
	rec, res, err := s.lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, lookupStatus(err), err)
		return
	}
	respond(c, BacktestView{Run: rec, Result: res})
}

// journal returns the fills of a finished run.
func (s *Server) journal(ctx context.Context, id string) ([]domain.Fill, error) {
	rec, res, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res.Journal, nil
	}
	if rec.Status == store.RunRunning {
		return nil, fmt.Errorf("run %s: %w", id, errNotFinished)
	}
	if s.deps.Journals == nil {
		return nil, fmt.Errorf("journal %s: %w", id, store.ErrNotFound)
	}
	return s.deps.Journals.ReadFills(ctx, id)
}

func (s *Server) handleJournal(c *gin.Context) {
	fills, err := s.journal(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, lookupStatus(err), err)
		return
	}
	respond(c, fills)
}

// handleReport serves the monthly or yearly report. ?total=true appends the
// total row.
func (s *Server) handleReport(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		rec, res, err := s.lookup(ctx, id)
		if err == nil && res == nil && rec.Status == store.RunRunning {
			err = fmt.Errorf("run %s: %w", id, errNotFinished)
		}
		if err != nil {
			fail(c, lookupStatus(err), err)
			return
		}

		var rows []domain.ReportRow
		switch {
		case res != nil && kind == store.ReportMonthly:
			rows = res.Monthly
		case res != nil:
			rows = res.Yearly
		case s.deps.Reports != nil:
			rows, err = s.deps.Reports.LoadReport(ctx, id, kind)
			if err != nil {
				fail(c, lookupStatus(err), err)
				return
			}
		default:
			fail(c, http.StatusNotFound, fmt.Errorf("%s report %s: %w", kind, id, store.ErrNotFound))
			return
		}
		if c.Query("total") == "true" {
			rows = analytics.WithTotal(rows)
		}
		respond(c, rows)
	}
}

func (s *Server) handleEquity(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, res, err := s.lookup(ctx, id); err == nil && res != nil {
		respond(c, res.Equity)
		return
	}
	fills, err := s.journal(ctx, id)
	if err != nil {
		fail(c, lookupStatus(err), err)
		return
	}
	respond(c, analytics.EquityCurve(analytics.DetailReport(fills, s.deps.Costs)))
}

// handleIndicators derives the chart overlays of a strategy over stored
// bars: ?strategy=MAL&symbol=HK.HSImain&start=2024-01-02&end=2024-01-05.
func (s *Server) handleIndicators(c *gin.Context) {
	if s.deps.Bars == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("no bar store configured"))
		return
	}
	name := c.Query("strategy")
	if name == "" {
		fail(c, http.StatusBadRequest, errors.New("strategy is required"))
		return
	}
	params := s.deps.Params
	if sym := c.Query("symbol"); sym != "" {
		params.Symbol = sym
	}
	start, err := time.Parse(time.DateOnly, c.Query("start"))
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("start: %w", err))
		return
	}
	end, err := time.Parse(time.DateOnly, c.DefaultQuery("end", c.Query("start")))
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("end: %w", err))
		return
	}

	strat, err := s.deps.Registry.New(name, params)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	charter, ok := strat.(strategy.Charter)
	if !ok {
		fail(c, http.StatusBadRequest, fmt.Errorf("strategy %s has no chart indicators", name))
		return
	}

	bars, err := s.deps.Bars.ReadBars(c.Request.Context(), params.Symbol, start, end.AddDate(0, 0, 1).Add(-time.Nanosecond))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	view := IndicatorView{Strategy: name, Symbol: params.Symbol, Series: map[string][]*float64{}}
	if len(bars) == 0 {
		respond(c, view)
		return
	}
	series, err := domain.NewSeries(bars)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	// Too few bars leaves every overlay undefined.
	_ = strat.ApplyIndicators(series)

	view.Time = make([]time.Time, len(bars))
	for i, b := range bars {
		view.Time[i] = b.Timestamp
	}
	view.Close = series.Closes()
	for key, values := range charter.Indicators() {
		out := make([]*float64, len(bars))
		for i := range out {
			if v, ok := values.At(i); ok {
				out[i] = &v
			}
		}
		view.Series[key] = out
	}
	respond(c, view)
}

// controlsSnapshot returns the control of every registered strategy.
func (s *Server) controlsSnapshot() map[string]control.Control {
	out := s.deps.Controls.Snapshot()
	for _, name := range s.deps.Registry.List() {
		if _, ok := out[name]; !ok {
			out[name] = control.Default
		}
	}
	return out
}

func (s *Server) handleGetControls(c *gin.Context) {
	respond(c, s.controlsSnapshot())
}

func (s *Server) handleSetControl(c *gin.Context) {
	name := c.Param("strategy")
	if _, ok := s.deps.Registry.Get(name); !ok {
		fail(c, http.StatusNotFound, fmt.Errorf("%q: %w", name, strategy.ErrUnknownStrategy))
		return
	}
	var ctl control.Control
	if err := c.ShouldBindJSON(&ctl); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Controls.Set(name, ctl); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, control.ErrInvalidMode) {
			status = http.StatusBadRequest
		}
		fail(c, status, err)
		return
	}
	s.log.Info("control updated", "strategy", name, "enabled", ctl.Enabled, "mode", ctl.Mode)
	respond(c, s.deps.Controls.Get(name))
}

func (s *Server) handleSessions(c *gin.Context) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	out := make([]SessionView, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, SessionView{Strategy: e.Name(), SessionID: e.SessionID(), State: e.State()})
	}
	respond(c, out)
}
