package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arbscan/internal/config"
	"arbscan/internal/executor"
	"arbscan/internal/market"
	"arbscan/internal/metrics"
	"arbscan/internal/persistence"
	"arbscan/internal/rpc"
	"arbscan/internal/scanner"
	"arbscan/internal/sizing"
	"arbscan/internal/token"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// .env file is optional
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log.Info().
		Str("chain", cfg.Chain.Name).
		Int("endpoints", len(cfg.Chain.RPCEndpoints)).
		Msg("Starting arbitrage scanner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("Scanner shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if n, err := store.PairCount(ctx); err == nil {
		log.Info().Str("path", cfg.Persistence.SQLitePath).Int("pairs", n).Msg("SQLite initialized")
	}

	client, err := rpc.NewClient(cfg.Chain.RPCEndpoints, m)
	if err != nil {
		return err
	}
	defer client.Close()
	log.Info().Str("endpoint", client.Endpoint()).Msg("RPC client connected")

	fetcher := rpc.NewBatchFetcher(client, m)

	dexes := market.DescriptorsFromConfig(cfg)
	log.Info().Int("venues", len(dexes)).Msg("Venue table loaded")

	grid, err := sizing.Load(cfg.Sizing.GridPath)
	if err != nil {
		return err
	}

	decimals, err := token.NewDecimalsCache(cfg.Tokens.DecimalsCachePath, fetcher, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := decimals.Flush(); err != nil {
			log.Warn().Err(err).Msg("Decimals cache flush failed")
		}
	}()

	resolver := market.NewPairResolver(client, store, dexes)
	if n, err := resolver.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("Pair cache warm-up failed")
	} else if n > 0 {
		log.Info().Int("pairs", n).Msg("Pair cache warmed from store")
	}
	reserves := market.NewReservesFetcher(fetcher, m)
	source := scanner.NewFileSource(cfg.Candidates.Path, dexes)
	evaluator := scanner.NewEvaluator(cfg, dexes, grid, decimals, m)

	// Without a key and contract the scanner runs watch-only.
	var exec scanner.TradeExecutor
	if cfg.Executor.PrivateKey != "" && cfg.Executor.ContractAddress != "" {
		e, err := executor.NewExecutor(cfg, client, resolver, reserves, dexes, decimals, m)
		if err != nil {
			return err
		}
		exec = e
		log.Info().
			Bool("simulation", cfg.Executor.SimulationMode).
			Str("contract", cfg.Executor.ContractAddress).
			Str("flash_provider", cfg.FlashLoan.Provider).
			Int("max_attempts", cfg.Executor.MaxAttempts).
			Msg("Executor armed")
	} else {
		log.Info().Msg("No signing key configured, running watch-only")
	}

	loop := scanner.NewLoop(
		source, reserves, decimals, evaluator, exec, client, m,
		cfg.Executor.MaxAttempts,
		time.Duration(cfg.Scanner.ScanIntervalSec)*time.Second,
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("interval_sec", cfg.Scanner.ScanIntervalSec).Msg("Starting scan loop")
		return loop.Run(gCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
