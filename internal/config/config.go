package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradelab/internal/domain"
)

// DefaultPath is used when TRADELAB_CONFIG is unset.
const DefaultPath = "config/tradelab.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradelab.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Logging    Logging          `yaml:"logging"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Binance    Binance          `yaml:"binance"`
	Gather     GatherConfig     `yaml:"gather"`
	Backtest   Backtest         `yaml:"backtest"`
	Analysis   Analysis         `yaml:"analysis"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// Storage holds paths and connection strings for data persistence.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Binance holds credentials for the Binance futures API. Klines are public,
// so both may be empty.
type Binance struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// GatherConfig controls bar gathering per data source.
type GatherConfig struct {
	Alpaca  GatherJobConfig `yaml:"alpaca"`
	Binance GatherJobConfig `yaml:"binance"`
}

// GatherJobConfig holds parameters for a single data gathering job.
type GatherJobConfig struct {
	Market          string `yaml:"market"`
	Timeframe       string `yaml:"timeframe"`
	StartDate       string `yaml:"start_date"`
	BatchSize       int    `yaml:"batch_size"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	Retries         int    `yaml:"retries"`
}

// Backtest mirrors domain.BacktestConfig in file form.
type Backtest struct {
	InitialCapital     float64 `yaml:"initial_capital"`
	Commission         float64 `yaml:"commission"`
	SlippagePct        float64 `yaml:"slippage_pct"`
	SpeedMode          string  `yaml:"speed_mode"`
	SpeedDelayMs       int     `yaml:"speed_delay_ms"`
	MaxPositions       int     `yaml:"max_positions"`
	PositionSizePct    float64 `yaml:"position_size_pct"`
	StopOnMarginCall   bool    `yaml:"stop_on_margin_call"`
	MarginCallLevel    float64 `yaml:"margin_call_level"`
	EnableShortSelling bool    `yaml:"enable_short_selling"`
	CloseOpenAtEnd     bool    `yaml:"close_open_at_end"`
}

// Analysis configures the post-run analytics.
type Analysis struct {
	RiskFreeRate    float64 `yaml:"risk_free_rate"`
	Simulations     int     `yaml:"simulations"`
	Seed            uint64  `yaml:"seed"`
	BenchmarkSymbol string  `yaml:"benchmark_symbol"`
}

// StrategyConfig names a built-in strategy and its parameters.
type StrategyConfig struct {
	Name   string             `yaml:"name"`
	Symbol string             `yaml:"symbol"`
	Params map[string]float64 `yaml:"params"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	bt := domain.DefaultBacktestConfig()
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/tradelab.db",
			Driver:     "sqlite",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Alpaca:  Alpaca{Feed: "iex"},
		Gather: GatherConfig{
			Alpaca:  GatherJobConfig{Market: "us", Timeframe: "1Day", StartDate: "2020-01-01", RateLimitPerMin: 200, Retries: 4},
			Binance: GatherJobConfig{Market: "crypto", Timeframe: "1h", StartDate: "2024-01-01", BatchSize: 1000, RateLimitPerMin: 1200, Retries: 4},
		},
		Backtest: Backtest{
			InitialCapital:     bt.InitialCapital,
			Commission:         bt.Commission,
			SlippagePct:        bt.SlippagePct,
			SpeedMode:          string(bt.SpeedMode),
			SpeedDelayMs:       int(bt.SpeedDelay / time.Millisecond),
			MaxPositions:       bt.MaxPositions,
			PositionSizePct:    bt.PositionSizePct,
			StopOnMarginCall:   bt.StopOnMarginCall,
			MarginCallLevel:    bt.MarginCallLevel,
			EnableShortSelling: bt.EnableShortSelling,
			CloseOpenAtEnd:     bt.CloseOpenAtEnd,
		},
		Analysis: Analysis{Simulations: 1000, Seed: 1},
	}
}

// Path returns the config file location from TRADELAB_CONFIG, or
// DefaultPath.
func Path() string {
	if v := os.Getenv("TRADELAB_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, and then applies environment variable overrides. Variables from
// a .env file in the working directory are loaded first; a missing .env is
// not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.APISecret = v
	}

	if v := os.Getenv("TRADELAB_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TRADELAB_SEED: %w", err)
		}
		cfg.Analysis.Seed = seed
	}
	return nil
}

// BacktestConfig converts the backtest section into a validated domain
// config.
func (c *Config) BacktestConfig() (domain.BacktestConfig, error) {
	b := c.Backtest
	cfg := domain.BacktestConfig{
		InitialCapital:     b.InitialCapital,
		Commission:         b.Commission,
		SlippagePct:        b.SlippagePct,
		SpeedMode:          domain.SpeedMode(strings.ToUpper(b.SpeedMode)),
		SpeedDelay:         time.Duration(b.SpeedDelayMs) * time.Millisecond,
		MaxPositions:       b.MaxPositions,
		PositionSizePct:    b.PositionSizePct,
		StopOnMarginCall:   b.StopOnMarginCall,
		MarginCallLevel:    b.MarginCallLevel,
		EnableShortSelling: b.EnableShortSelling,
		CloseOpenAtEnd:     b.CloseOpenAtEnd,
	}
	if err := cfg.Validate(); err != nil {
		return domain.BacktestConfig{}, err
	}
	return cfg, nil
}
