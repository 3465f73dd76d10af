// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, logging, and listen addresses.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	APIAddr     string `yaml:"api_addr"`
	// AllowedOrigins limits browser callers of the HTTP API; empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Market selects the tick source and tunes the synthetic generator.
type Market struct {
	Provider          string   `yaml:"provider"`
	Instruments       []string `yaml:"instruments"`
	MinTicksPerSecond int      `yaml:"min_ticks_per_second"`
	MaxTicksPerSecond int      `yaml:"max_ticks_per_second"`
	FrameMs           int      `yaml:"frame_ms"`
	BinanceURL        string   `yaml:"binance_url"`
}

// Risk encodes guard-rails evaluated before an order is accepted.
type Risk struct {
	MaxOrderQty      float64 `yaml:"max_order_qty"`
	MaxOrderNotional float64 `yaml:"max_order_notional"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
}

// Engine tunes the simulated execution engine.
type Engine struct {
	InitialCash         float64 `yaml:"initial_cash"`
	DefaultStrategy     string  `yaml:"default_strategy"`
	MinLatencyMs        int     `yaml:"min_latency_ms"`
	MaxLatencyMs        int     `yaml:"max_latency_ms"`
	ReviewIntervalMs    int     `yaml:"review_interval_ms"`
	PortfolioDebounceMs int     `yaml:"portfolio_debounce_ms"`
	Seed                int64   `yaml:"seed"`
}

// Metrics configures the sliding-window aggregator.
type Metrics struct {
	WindowSec      int `yaml:"window_sec"`
	PublishMs      int `yaml:"publish_ms"`
	LatencySamples int `yaml:"latency_samples"`
}

// Journal configures the NDJSON event journal.
type Journal struct {
	Enabled bool     `yaml:"enabled"`
	Path    string   `yaml:"path"`
	FlushMs int      `yaml:"flush_ms"`
	Topics  []string `yaml:"topics"`
}

// Bus sizes the per-topic event queues.
type Bus struct {
	QueueSize int `yaml:"queue_size"`
}

// UI tunes what the terminal and stream clients receive.
type UI struct {
	MarketSampleMs int `yaml:"market_sample_ms"`
	LogBuffer      int `yaml:"log_buffer"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App     App     `yaml:"app"`
	Market  Market  `yaml:"market"`
	Risk    Risk    `yaml:"risk"`
	Engine  Engine  `yaml:"engine"`
	Metrics Metrics `yaml:"metrics"`
	Journal Journal `yaml:"journal"`
	Bus     Bus     `yaml:"bus"`
	UI      UI      `yaml:"ui"`
}

// Default returns the built-in settings used when no file overrides them.
func Default() Config {
	return Config{
		App: App{
			Name:        "hftsim",
			Env:         "dev",
			LogLevel:    "info",
			MetricsAddr: ":9102",
			APIAddr:     ":8088",
		},
		Market: Market{
			Provider:          "sim",
			Instruments:       []string{"BTCUSD", "ETHUSD", "SOLUSD", "AAPL"},
			MinTicksPerSecond: 50,
			MaxTicksPerSecond: 200,
			FrameMs:           50,
			BinanceURL:        "wss://stream.binance.com:9443/stream",
		},
		Risk: Risk{
			MaxOrderQty:      2,
			MaxOrderNotional: 50_000,
			MaxOpenPositions: 20,
		},
		Engine: Engine{
			InitialCash:         100_000,
			DefaultStrategy:     "mean-reversion",
			MinLatencyMs:        10,
			MaxLatencyMs:        50,
			ReviewIntervalMs:    2500,
			PortfolioDebounceMs: 75,
		},
		Metrics: Metrics{
			WindowSec:      30,
			PublishMs:      1000,
			LatencySamples: 1024,
		},
		Journal: Journal{
			Enabled: true,
			Path:    "data/events.ndjson",
			FlushMs: 1000,
		},
		Bus: Bus{QueueSize: 4096},
		UI: UI{
			MarketSampleMs: 100,
			LogBuffer:      250,
		},
	}
}

// Load reads a YAML file from disk on top of Default and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects settings the simulation cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Market.Instruments) == 0 {
		errs = append(errs, errors.New("market.instruments must not be empty"))
	}
	if c.Market.MinTicksPerSecond <= 0 || c.Market.MaxTicksPerSecond < c.Market.MinTicksPerSecond {
		errs = append(errs, fmt.Errorf("market tick rate bounds invalid: min=%d max=%d",
			c.Market.MinTicksPerSecond, c.Market.MaxTicksPerSecond))
	}
	if c.Market.FrameMs <= 0 {
		errs = append(errs, errors.New("market.frame_ms must be > 0"))
	}
	if c.Risk.MaxOrderQty <= 0 {
		errs = append(errs, errors.New("risk.max_order_qty must be > 0"))
	}
	if c.Risk.MaxOrderNotional <= 0 {
		errs = append(errs, errors.New("risk.max_order_notional must be > 0"))
	}
	if c.Risk.MaxOpenPositions <= 0 {
		errs = append(errs, errors.New("risk.max_open_positions must be > 0"))
	}
	if c.Engine.MinLatencyMs < 0 || c.Engine.MaxLatencyMs < c.Engine.MinLatencyMs {
		errs = append(errs, fmt.Errorf("engine latency bounds invalid: min=%d max=%d",
			c.Engine.MinLatencyMs, c.Engine.MaxLatencyMs))
	}
	if c.Metrics.WindowSec <= 0 {
		errs = append(errs, errors.New("metrics.window_sec must be > 0"))
	}
	if c.Metrics.PublishMs <= 0 {
		errs = append(errs, errors.New("metrics.publish_ms must be > 0"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path required when journal is enabled"))
	}
	return errors.Join(errs...)
}

// Frame returns the generator scheduling period.
func (m Market) Frame() time.Duration { return ms(m.FrameMs) }

// MinLatency returns the lower bound of simulated fill latency.
func (e Engine) MinLatency() time.Duration { return ms(e.MinLatencyMs) }

// MaxLatency returns the upper bound of simulated fill latency.
func (e Engine) MaxLatency() time.Duration { return ms(e.MaxLatencyMs) }

// ReviewInterval returns the bot review cadence.
func (e Engine) ReviewInterval() time.Duration { return ms(e.ReviewIntervalMs) }

// PortfolioDebounce returns the coalescing window for tick-driven snapshots.
func (e Engine) PortfolioDebounce() time.Duration { return ms(e.PortfolioDebounceMs) }

// Window returns the trailing tick-rate window.
func (m Metrics) Window() time.Duration { return time.Duration(m.WindowSec) * time.Second }

// PublishEvery returns the metrics snapshot cadence.
func (m Metrics) PublishEvery() time.Duration { return ms(m.PublishMs) }

// FlushEvery returns the journal flush cadence.
func (j Journal) FlushEvery() time.Duration { return ms(j.FlushMs) }

// MarketSample returns the per-instrument tick sampling interval for stream clients.
func (u UI) MarketSample() time.Duration { return ms(u.MarketSampleMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
