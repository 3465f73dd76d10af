package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hftsim-go/internal/app"
	"hftsim-go/internal/config"
	"hftsim-go/internal/metrics"
	"hftsim-go/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (built-in defaults when empty)")
	envPath := flag.String("env", "", "Path to .env file with HFTSIM_* overrides")
	headless := flag.Bool("headless", false, "Run without the interactive console")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *envPath)
	if err != nil {
		boot := util.NewLoggerTo("info", os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLoggerTo(cfg.App.LogLevel, os.Stderr).With().Str("app", cfg.App.Name).Logger()

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sim, err := app.New(cfg, log, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	if err := sim.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start app")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv := metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sim.API.ListenAndServe(gctx, cfg.App.APIAddr)
	})
	if !*headless {
		g.Go(func() error {
			runConsole(gctx, sim, os.Stdin, os.Stdout, cfg.UI.LogBuffer)
			// leaving the console ends the session
			cancel()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
	log.Info().Msg("shutting down")

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := sim.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		os.Exit(1)
	}
}

func loadConfig(path, envPath string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if err := config.LoadFromEnv(&cfg, envPath); err != nil {
		return nil, err
	}
	return &cfg, nil
}
