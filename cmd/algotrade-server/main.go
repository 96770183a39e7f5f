package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"algotrade/internal/api"
	"algotrade/internal/config"
	"algotrade/internal/control"
	"algotrade/internal/store"
	"algotrade/internal/strategy/builtins"
	"algotrade/internal/util"
)

func main() {
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

	bars, closeBars, err := store.OpenBarStore(ctx, cfg.Storage.BarStore, cfg.Storage.DataDir, store.ClickHouseConfig(cfg.ClickHouse))
	if err != nil {
		logger.Error("opening bar store", "error", err)
		os.Exit(1)
	}
	defer closeBars()

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("opening sqlite", "path", cfg.Storage.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	params, err := cfg.Strategy.Params()
	if err != nil {
		logger.Error("strategy params", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Registry: builtins.NewRegistry(),
		Bars:     bars,
		Journals: db,
		Reports:  db,
		Runs:     db,
		Controls: control.NewStore(cfg.Trading.ControlsPath, logger),
		Params:   params,
		Costs:    cfg.Backtest.Costs(),
		Workers:  cfg.Backtest.Workers,
		WarmUp:   cfg.Backtest.WarmUp,
	}, logger)

	logger.Info("algotrade-server starting",
		"port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort,
		"bar_store", cfg.Storage.BarStore, "strategy", cfg.Strategy.Name)
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("algotrade-server stopped")
}
