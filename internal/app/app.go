package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"hftsim-go/internal/api"
	"hftsim-go/internal/bus"
	"hftsim-go/internal/command"
	"hftsim-go/internal/config"
	"hftsim-go/internal/exchange"
	"hftsim-go/internal/execution"
	"hftsim-go/internal/journal"
	"hftsim-go/internal/metrics"
	"hftsim-go/internal/risk"
	"hftsim-go/internal/signal"
)

// App owns the bus and every module attached to it.
type App struct {
	log      zerolog.Logger
	registry *Registry

	Bus      *bus.Bus
	Engine   *execution.Engine
	Source   exchange.Source
	Metrics  *metrics.Aggregator
	Journal  *journal.Journal
	Commands *command.Dispatcher
	Hub      *api.Hub
	API      *api.Server
}

// New builds the full module graph from cfg. A nil clock uses wall time.
func New(cfg *config.Config, log zerolog.Logger, clk clock.Clock) (*App, error) {
	if clk == nil {
		clk = clock.New()
	}
	topics, err := journalTopics(cfg.Journal.Topics)
	if err != nil {
		return nil, err
	}

	b := bus.New(log, bus.WithQueueSize(cfg.Bus.QueueSize))
	engine := execution.New(b, log, clk, execution.Config{
		InitialCash:     cfg.Engine.InitialCash,
		DefaultStrategy: cfg.Engine.DefaultStrategy,
		Limits: risk.Limits{
			MaxOrderQty:      cfg.Risk.MaxOrderQty,
			MaxOrderNotional: cfg.Risk.MaxOrderNotional,
			MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		},
		MinLatency:        cfg.Engine.MinLatency(),
		MaxLatency:        cfg.Engine.MaxLatency(),
		ReviewInterval:    cfg.Engine.ReviewInterval(),
		PortfolioDebounce: cfg.Engine.PortfolioDebounce(),
		Seed:              cfg.Engine.Seed,
	})
	source, err := exchange.NewSource(cfg.Market.Provider, b, log, clk, exchange.Config{
		Instruments:       cfg.Market.Instruments,
		MinTicksPerSecond: cfg.Market.MinTicksPerSecond,
		MaxTicksPerSecond: cfg.Market.MaxTicksPerSecond,
		Frame:             cfg.Market.Frame(),
		Seed:              cfg.Engine.Seed,
		BinanceURL:        cfg.Market.BinanceURL,
	})
	if err != nil {
		return nil, err
	}
	agg := metrics.NewAggregator(b, log, clk, metrics.AggregatorConfig{
		Window:         cfg.Metrics.Window(),
		PublishEvery:   cfg.Metrics.PublishEvery(),
		LatencySamples: cfg.Metrics.LatencySamples,
	})
	jrnl := journal.New(b, log, clk, journal.Config{
		Enabled:    cfg.Journal.Enabled,
		Path:       cfg.Journal.Path,
		FlushEvery: cfg.Journal.FlushEvery(),
		Topics:     topics,
	})
	commands := command.New(b, log, clk, engine, nil)
	hub := api.NewHub(b, log, clk, cfg.UI.MarketSample())

	a := &App{
		log:      log.With().Str("component", "app").Logger(),
		registry: NewRegistry(),
		Bus:      b,
		Engine:   engine,
		Source:   source,
		Metrics:  agg,
		Journal:  jrnl,
		Commands: commands,
		Hub:      hub,
		API:      api.NewServer(engine, commands, hub, log, cfg.App.AllowedOrigins),
	}

	// Observers first so they see the feed's first ticks; the feed last.
	for _, m := range []struct {
		name string
		mod  Module
	}{
		{"journal", jrnl},
		{"metrics", agg},
		{"stream", hub},
		{"commands", commands},
		{"engine", engine},
		{"market", source},
	} {
		if err := a.registry.Register(m.name, m.mod); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Modules lists registered module names in start order.
func (a *App) Modules() []string { return a.registry.Names() }

// Start starts every module.
func (a *App) Start(ctx context.Context) error {
	if err := a.registry.StartAll(ctx); err != nil {
		return err
	}
	a.log.Info().Strs("modules", a.registry.Names()).Msg("started")
	return nil
}

// Stop stops modules in reverse order, then drains and closes the bus.
func (a *App) Stop(ctx context.Context) error {
	err := a.registry.StopAll(ctx)
	err = multierr.Append(err, a.Bus.Shutdown(ctx))
	a.log.Info().Uint64("dropped_events", a.Bus.Dropped()).Err(err).Msg("stopped")
	return err
}

func journalTopics(names []string) ([]signal.Topic, error) {
	var topics []signal.Topic
	for _, name := range names {
		t, ok := signal.ParseTopic(name)
		if !ok {
			return nil, fmt.Errorf("journal: unknown topic %q", name)
		}
		topics = append(topics, t)
	}
	return topics, nil
}
