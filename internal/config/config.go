// Package config loads the algotrade YAML configuration, applies .env and
// environment overrides, and converts the strategy and cost sections into
// the types used by the engine and the backtester.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"algotrade/internal/analytics"
	"algotrade/internal/domain"
	"algotrade/internal/strategy"
)

// DefaultPath is the configuration file read when ALGOTRADE_CONFIG is unset.
const DefaultPath = "config/algotrade.yaml"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration.
type Config struct {
	Storage    Storage        `yaml:"storage"`
	ClickHouse ClickHouse     `yaml:"clickhouse"`
	Server     Server         `yaml:"server"`
	Alpaca     Alpaca         `yaml:"alpaca"`
	Logging    Logging        `yaml:"logging"`
	Strategy   StrategyConfig `yaml:"strategy"`
	Backtest   BacktestConfig `yaml:"backtest"`
	Trading    TradingConfig  `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// BarStore selects the bar source: "parquet" or "clickhouse".
	BarStore   string `yaml:"bar_store"`
	CSVCharset string `yaml:"csv_charset"`
}

// ClickHouse holds the ClickHouse bar store connection.
type ClickHouse struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// Server holds network listener configuration.
type Server struct {
	Host       string  `yaml:"host"`
	Port       int     `yaml:"port"`
	GRPCPort   int     `yaml:"grpc_port"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	RateBurst  int     `yaml:"rate_burst"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StrategyConfig holds the construction-time parameters of the traded
// strategy. Clock fields use "15:04" or "15:04:05"; overrides use
// "2006-01-02 15:04:05".
type StrategyConfig struct {
	Name             string        `yaml:"name"`
	Symbol           string        `yaml:"symbol"`
	MaxContract      int64         `yaml:"max_contract"`
	ExecQuantity     int64         `yaml:"exec_quantity"`
	TakeProfit       float64       `yaml:"take_profit"`
	StopLoss         float64       `yaml:"stop_loss"`
	EMAFast          int           `yaml:"ema_fast"`
	EMASlow          int           `yaml:"ema_slow"`
	ADXPeriod        int           `yaml:"adx_period"`
	ADXLow           float64       `yaml:"adx_low"`
	ADXQuietBars     int           `yaml:"adx_quiet_bars"`
	MinVolume        int64         `yaml:"min_volume"`
	WindowStart      string        `yaml:"window_start"`
	WindowEnd        string        `yaml:"window_end"`
	TimeoutAt        string        `yaml:"timeout_at"`
	DailyCutoffs     []string      `yaml:"daily_cutoffs"`
	TimeoutOverrides []string      `yaml:"timeout_overrides"`
	Mode             string        `yaml:"mode"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// BacktestConfig controls backtest runs. Costs are money per contract.
type BacktestConfig struct {
	Workers    int     `yaml:"workers"`
	WarmUp     int     `yaml:"warm_up"`
	Fees       float64 `yaml:"fees"`
	Slippage   float64 `yaml:"slippage"`
	PointValue float64 `yaml:"point_value"`
}

// TradingConfig defines live execution and risk parameters.
type TradingConfig struct {
	// Broker selects "paper" or "alpaca".
	Broker       string  `yaml:"broker"`
	MaxDailyLoss float64 `yaml:"max_daily_loss"`
	ControlsPath string  `yaml:"controls_path"`
	Product      string  `yaml:"product"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Defaults returns the reference configuration: MAL on the Hang Seng index
// future with its standard backtest costs.
func Defaults() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/algotrade.db",
			BarStore:   "parquet",
			CSVCharset: "utf-8",
		},
		ClickHouse: ClickHouse{Database: "default", Table: "bars"},
		Server:     Server{Host: "0.0.0.0", Port: 8080, GRPCPort: 9090, RatePerSec: 20, RateBurst: 40},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			DataURL:         "https://data.alpaca.markets",
			RateLimitPerMin: 200,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Strategy: StrategyConfig{
			Name:         "MAL",
			Symbol:       "HSI",
			MaxContract:  1,
			ExecQuantity: 1,
			TakeProfit:   90,
			StopLoss:     120,
			EMAFast:      40,
			EMASlow:      90,
			ADXPeriod:    14,
			ADXLow:       20,
			ADXQuietBars: 3,
			MinVolume:    30,
			WindowStart:  "14:00",
			WindowEnd:    "16:30",
			TimeoutAt:    "02:58",
			DailyCutoffs: []string{"12:28"},
			Mode:         string(domain.ModeNormal),
		},
		Backtest: BacktestConfig{Workers: 0, WarmUp: 500, Fees: 12, Slippage: 30, PointValue: 10},
		Trading:  TradingConfig{Broker: "paper", ControlsPath: "data/controls.json", Product: "HSI"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns ALGOTRADE_CONFIG, or DefaultPath.
func Path() string {
	if p := os.Getenv("ALGOTRADE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load loads .env when present, reads the YAML file at path over Defaults,
// applies environment overrides and validates the result. A missing file
// is not an error; the defaults and environment are used instead.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("BAR_STORE"); v != "" {
		cfg.Storage.BarStore = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		cfg.ClickHouse.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BACKTEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backtest.Workers = n
		}
	}

	// Standard Alpaca env vars take priority; they are the names the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation and conversion
// ---------------------------------------------------------------------------

// Validate checks value ranges and that the strategy section converts.
func (c *Config) Validate() error {
	switch {
	case c.Storage.BarStore != "parquet" && c.Storage.BarStore != "clickhouse":
		return fmt.Errorf("storage.bar_store %q: %w", c.Storage.BarStore, ErrInvalid)
	case c.Storage.BarStore == "clickhouse" && c.ClickHouse.Addr == "":
		return fmt.Errorf("clickhouse.addr is required for the clickhouse bar store: %w", ErrInvalid)
	case c.Server.Port < 0 || c.Server.Port > 65535 || c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535:
		return fmt.Errorf("server ports %d/%d: %w", c.Server.Port, c.Server.GRPCPort, ErrInvalid)
	case c.Backtest.Workers < 0 || c.Backtest.WarmUp < 0:
		return fmt.Errorf("backtest workers %d / warm_up %d: %w", c.Backtest.Workers, c.Backtest.WarmUp, ErrInvalid)
	case c.Backtest.Fees < 0 || c.Backtest.Slippage < 0 || c.Backtest.PointValue <= 0:
		return fmt.Errorf("backtest costs %v/%v/%v: %w", c.Backtest.Fees, c.Backtest.Slippage, c.Backtest.PointValue, ErrInvalid)
	case c.Trading.Broker != "paper" && c.Trading.Broker != "alpaca":
		return fmt.Errorf("trading.broker %q: %w", c.Trading.Broker, ErrInvalid)
	case c.Trading.MaxDailyLoss < 0:
		return fmt.Errorf("trading.max_daily_loss %v: %w", c.Trading.MaxDailyLoss, ErrInvalid)
	}
	p, err := c.Strategy.Params()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	return nil
}

// Params converts the strategy section to strategy.Params.
func (s StrategyConfig) Params() (strategy.Params, error) {
	p := strategy.Params{
		Symbol:       s.Symbol,
		MaxContract:  s.MaxContract,
		ExecQuantity: s.ExecQuantity,
		TakeProfit:   s.TakeProfit,
		StopLoss:     s.StopLoss,
		EMAFast:      s.EMAFast,
		EMASlow:      s.EMASlow,
		ADXPeriod:    s.ADXPeriod,
		ADXLow:       s.ADXLow,
		ADXQuietBars: s.ADXQuietBars,
		MinVolume:    s.MinVolume,
		Mode:         domain.Mode(s.Mode),
		Cooldown:     s.Cooldown,
	}

	var err error
	if p.Window.Start, err = parseClock("strategy.window_start", s.WindowStart); err != nil {
		return p, err
	}
	if p.Window.End, err = parseClock("strategy.window_end", s.WindowEnd); err != nil {
		return p, err
	}
	if p.Timeout.At, err = parseClock("strategy.timeout_at", s.TimeoutAt); err != nil {
		return p, err
	}
	for _, d := range s.DailyCutoffs {
		c, err := parseClock("strategy.daily_cutoffs", d)
		if err != nil {
			return p, err
		}
		p.Timeout.Daily = append(p.Timeout.Daily, c)
	}
	for _, o := range s.TimeoutOverrides {
		t, err := time.Parse(time.DateTime, o)
		if err != nil {
			return p, fmt.Errorf("strategy.timeout_overrides %q: %w", o, ErrInvalid)
		}
		p.Timeout.Overrides = append(p.Timeout.Overrides, t)
	}
	return p, nil
}

func parseClock(field, v string) (strategy.Clock, error) {
	c, err := strategy.ParseClock(v)
	if err != nil {
		return c, fmt.Errorf("%s: %v: %w", field, err, ErrInvalid)
	}
	return c, nil
}

// Costs converts the backtest cost section.
func (b BacktestConfig) Costs() analytics.Costs {
	return analytics.Costs{
		Fees:       decimal.NewFromFloat(b.Fees),
		Slippage:   decimal.NewFromFloat(b.Slippage),
		PointValue: decimal.NewFromFloat(b.PointValue),
	}
}
