package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys recognised by ApplyEnv.
const (
	EnvLogLevel     = "HFTSIM_LOG_LEVEL"
	EnvAPIAddr      = "HFTSIM_API_ADDR"
	EnvMetricsAddr  = "HFTSIM_METRICS_ADDR"
	EnvInstruments  = "HFTSIM_INSTRUMENTS"
	EnvFeedProvider = "HFTSIM_FEED_PROVIDER"
	EnvInitialCash  = "HFTSIM_INITIAL_CASH"
	EnvJournalPath  = "HFTSIM_JOURNAL_PATH"
	EnvSeed         = "HFTSIM_SEED"
)

// LoadFromEnv loads an optional .env file and then applies environment
// overrides on top of cfg. Priority: ENV > .env file > cfg.
func LoadFromEnv(cfg *Config, envPath string) error {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}
	if err := ApplyEnv(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// ApplyEnv copies recognised environment variables into cfg.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv(EnvAPIAddr); v != "" {
		cfg.App.APIAddr = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv(EnvFeedProvider); v != "" {
		cfg.Market.Provider = strings.ToLower(v)
	}
	if v := os.Getenv(EnvInstruments); v != "" {
		var instruments []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				instruments = append(instruments, strings.ToUpper(part))
			}
		}
		cfg.Market.Instruments = instruments
	}
	if v := os.Getenv(EnvInitialCash); v != "" {
		cash, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvInitialCash, err)
		}
		cfg.Engine.InitialCash = cash
	}
	if v := os.Getenv(EnvJournalPath); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv(EnvSeed); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSeed, err)
		}
		cfg.Engine.Seed = seed
	}
	return nil
}
