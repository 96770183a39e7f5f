package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
	"algotrade/internal/strategy"
)

var envVars = []string{
	"DATA_DIR", "SQLITE_PATH", "BAR_STORE", "CLICKHOUSE_ADDR", "CLICKHOUSE_USER", "CLICKHOUSE_PASSWORD",
	"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL", "ALPACA_DATA_URL",
	"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "LOG_LEVEL", "BACKTEST_WORKERS",
}

// clearEnv blanks every override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "algotrade.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/algotrade/data"
  sqlite_path: "/tmp/algotrade/algotrade.db"
server:
  host: "127.0.0.1"
  port: 8081
  grpc_port: 9091
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
logging:
  level: "debug"
strategy:
  name: "ema-cross"
  max_contract: 2
  exec_quantity: 1
  window_start: "22:00"
  window_end: "03:00"
  daily_cutoffs: ["12:28", "16:25"]
  timeout_overrides: ["2022-11-02 13:54:00", "2023-04-12 16:14:00"]
  mode: "reverse"
  cooldown: 5m
backtest:
  workers: 6
  fees: 2
  slippage: 5
  point_value: 10
trading:
  broker: "alpaca"
  max_daily_loss: 5000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/algotrade/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/algotrade/data")
	}
	if cfg.Storage.BarStore != "parquet" {
		t.Errorf("Storage.BarStore = %q, want default %q", cfg.Storage.BarStore, "parquet")
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8081 || cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.RatePerSec != 20 {
		t.Errorf("Server.RatePerSec = %v, want default 20", cfg.Server.RatePerSec)
	}
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.BaseURL != "https://paper-api.alpaca.markets" {
		t.Errorf("Alpaca = %+v", cfg.Alpaca)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Strategy.Name != "ema-cross" || cfg.Strategy.EMAFast != 40 {
		t.Errorf("Strategy = %+v", cfg.Strategy)
	}
	if cfg.Trading.Broker != "alpaca" || cfg.Trading.MaxDailyLoss != 5000 {
		t.Errorf("Trading = %+v", cfg.Trading)
	}

	p, err := cfg.Strategy.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if p.MaxContract != 2 || p.Mode != domain.ModeReverse || p.Cooldown != 5*time.Minute {
		t.Errorf("Params = %+v", p)
	}
	if p.Window.Start != (strategy.Clock{Hour: 22}) || p.Window.End != (strategy.Clock{Hour: 3}) {
		t.Errorf("Window = %+v", p.Window)
	}
	if p.Timeout.At != (strategy.Clock{Hour: 2, Minute: 58}) {
		t.Errorf("Timeout.At = %v", p.Timeout.At)
	}
	if len(p.Timeout.Daily) != 2 || p.Timeout.Daily[1] != (strategy.Clock{Hour: 16, Minute: 25}) {
		t.Errorf("Timeout.Daily = %v", p.Timeout.Daily)
	}
	if len(p.Timeout.Overrides) != 2 || !p.Timeout.Overrides[0].Equal(time.Date(2022, 11, 2, 13, 54, 0, 0, time.UTC)) {
		t.Errorf("Timeout.Overrides = %v", p.Timeout.Overrides)
	}

	costs := cfg.Backtest.Costs()
	if !costs.Fees.Equal(decimal.NewFromInt(2)) || !costs.PointValue.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Costs = %+v", costs)
	}
	if cfg.Backtest.Workers != 6 || cfg.Backtest.WarmUp != 500 {
		t.Errorf("Backtest = %+v", cfg.Backtest)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	p, err := cfg.Strategy.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if p.TakeProfit != 90 || p.StopLoss != 120 || p.ADXQuietBars != 3 {
		t.Errorf("default params = %+v", p)
	}
	if len(p.Timeout.Daily) != 1 || p.Timeout.Daily[0] != (strategy.Clock{Hour: 12, Minute: 28}) {
		t.Errorf("default daily cutoffs = %v", p.Timeout.Daily)
	}
	if len(p.Timeout.Overrides) != 0 {
		t.Errorf("default overrides = %v, want none", p.Timeout.Overrides)
	}
	costs := cfg.Backtest.Costs()
	if !costs.Slippage.Equal(decimal.NewFromInt(30)) {
		t.Errorf("default slippage = %s, want 30", costs.Slippage)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "apca-secret")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("BACKTEST_WORKERS", "3")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "apca-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q", cfg.Alpaca.APISecret, "apca-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Backtest.Workers != 3 {
		t.Errorf("Backtest.Workers = %d, want 3", cfg.Backtest.Workers)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown bar store", func(c *Config) { c.Storage.BarStore = "redis" }},
		{"clickhouse without addr", func(c *Config) { c.Storage.BarStore = "clickhouse" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"negative workers", func(c *Config) { c.Backtest.Workers = -1 }},
		{"zero point value", func(c *Config) { c.Backtest.PointValue = 0 }},
		{"unknown broker", func(c *Config) { c.Trading.Broker = "ib" }},
		{"bad window clock", func(c *Config) { c.Strategy.WindowStart = "25:00" }},
		{"bad override", func(c *Config) { c.Strategy.TimeoutOverrides = []string{"yesterday"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	cfg := Defaults()
	cfg.Strategy.ExecQuantity = 3
	if err := cfg.Validate(); !errors.Is(err, strategy.ErrInvalidParams) {
		t.Errorf("Validate() = %v, want ErrInvalidParams", err)
	}

	if err := Defaults().Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("ALGOTRADE_CONFIG", "")
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv("ALGOTRADE_CONFIG", "/etc/algotrade.yaml")
	if got := Path(); got != "/etc/algotrade.yaml" {
		t.Errorf("Path() = %q", got)
	}
}
