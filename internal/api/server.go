// Package api provides the HTTP, WebSocket and gRPC surface of algotrade:
// backtest submission and results, strategy chart overlays, runtime
// controls, live session state and a push stream of fills and control
// changes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"algotrade/internal/analytics"
	"algotrade/internal/backtest"
	"algotrade/internal/config"
	"algotrade/internal/control"
	"algotrade/internal/engine"
	"algotrade/internal/store"
	"algotrade/internal/strategy"
)

// Deps are the collaborators served by the API. Stores may be nil; the
// matching endpoints then only serve runs held in memory.
type Deps struct {
	Registry *strategy.Registry
	Bars     store.BarStore
	Journals store.JournalStore
	Reports  store.ReportStore
	Runs     store.RunStore
	Controls *control.Store

	// Defaults applied to backtest requests.
	Params  strategy.Params
	Costs   analytics.Costs
	Workers int
	WarmUp  int
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg        config.Server
	deps       Deps
	backtester *backtest.Backtester
	jobs       *jobTable
	hub        *Hub
	limiter    *ipLimiter

	router *gin.Engine
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	sessionsMu sync.RWMutex
	sessions   []*engine.Engine

	// jobs outlive the request that submitted them
	baseCtx context.Context
	cancel  context.CancelFunc

	log *slog.Logger
}

// NewServer creates a Server configured from cfg.
func NewServer(cfg config.Server, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if deps.Controls == nil {
		deps.Controls = control.NewStore("", log)
	}
	log = log.With("component", "api")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		backtester: backtest.New(deps.Bars, deps.Registry, log).WithPersistence(deps.Journals, deps.Reports, deps.Runs),
		jobs:       newJobTable(),
		hub:        NewHub(log),
		limiter:    newIPLimiter(cfg.RatePerSec, cfg.RateBurst),
		baseCtx:    ctx,
		cancel:     cancel,
		log:        log,
	}
	s.grpc, s.health = NewGRPCServer()

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestID(), s.requestLogger(), cors(), s.limiter.middleware())
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/strategies", s.handleStrategies)

		v1.POST("/backtests", s.handleCreateBacktest)
		v1.GET("/backtests", s.handleListBacktests)
		v1.GET("/backtests/:id", s.handleGetBacktest)
		v1.GET("/backtests/:id/journal", s.handleJournal)
		v1.GET("/backtests/:id/monthly", s.handleReport(store.ReportMonthly))
		v1.GET("/backtests/:id/yearly", s.handleReport(store.ReportYearly))
		v1.GET("/backtests/:id/equity", s.handleEquity)

		v1.GET("/indicators", s.handleIndicators)

		v1.GET("/controls", s.handleGetControls)
		v1.PUT("/controls/:strategy", s.handleSetControl)

		v1.GET("/sessions", s.handleSessions)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// AttachEngine exposes a live session under /api/v1/sessions and forwards
// its fill and status events to WebSocket clients.
func (s *Server) AttachEngine(e *engine.Engine) {
	s.sessionsMu.Lock()
	s.sessions = append(s.sessions, e)
	s.sessionsMu.Unlock()
	e.Subscribe(func(ev engine.Event) { s.hub.Publish(ev.Type, ev) })
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails. It then shuts both servers down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.forwardControls(gctx)
		return nil
	})
	g.Go(func() error {
		s.limiter.run(gctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if s.cfg.GRPCPort > 0 {
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.GRPCPort)
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("grpc listen %s: %w", addr, err)
			}
			s.log.Info("gRPC listening", "addr", addr)
			return s.grpc.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, cancels running backtests and waits for
// in-flight requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	s.health.Shutdown()
	s.cancel()
	s.grpc.GracefulStop()
	return s.http.Shutdown(ctx)
}

// forwardControls pushes control changes to WebSocket clients.
func (s *Server) forwardControls(ctx context.Context) {
	id, ch := s.deps.Controls.Subscribe(64)
	defer s.deps.Controls.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Publish(MessageControl, ev)
		}
	}
}
