package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"perpspot/internal/aggregator"
	"perpspot/internal/api"
	"perpspot/internal/arbitrage"
	"perpspot/internal/bridge"
	"perpspot/internal/cache"
	"perpspot/internal/config"
	"perpspot/internal/database"
	"perpspot/internal/exchange"
	"perpspot/internal/metrics"
	"perpspot/internal/service"
	"perpspot/internal/slippage"
	"perpspot/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("cannot load .env: %v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Main: exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Main: shutdown complete")
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	m := metrics.New()

	var remote cache.Remote
	if cfg.Cache.RedisURL != "" {
		r, err := cache.NewRedisRemote(cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		defer r.Close()
		remote = r
	}
	c, err := cache.New(logger, remote, cache.Options{
		DefaultTTL:        cfg.Cache.DefaultTTL,
		LocalSize:         cfg.Cache.LocalSize,
		ReconnectInterval: cfg.Cache.ReconnectInterval,
		Metrics:           m,
	})
	if err != nil {
		return err
	}

	chains, err := exchange.BuildChains(logger, cfg, c, m, uint64(time.Now().UnixNano()))
	if err != nil {
		return err
	}

	var repo *database.PostgresRepository
	if cfg.Database.Enabled {
		repo, err = database.NewPostgresRepository(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("Main: database ready", "host", cfg.Database.Host, "db", cfg.Database.DBName)
	}

	tokens := cfg.Aggregator.Tokens
	if len(tokens) == 0 {
		tokens = exchange.TrackedTokens
	}

	var listener *stream.Listener
	aggOpts := aggregator.Options{
		Tokens:         tokens,
		HistorySize:    cfg.Aggregator.HistorySize,
		RefreshTimeout: cfg.Aggregator.RefreshTimeout,
		PerpReference:  chains.SyntheticPerp,
		Metrics:        m,
	}
	if cfg.Stream.Enabled {
		coins := make([]string, 0, len(tokens))
		for _, t := range tokens {
			coins = append(coins, exchange.HyperliquidCoin(t))
		}
		listener = stream.NewListener(logger, stream.OptionsFromConfig(cfg.Stream, coins, m))
		aggOpts.Live = listener
	}
	if repo != nil {
		aggOpts.Recorder = repo
	}

	detector := arbitrage.NewDetector(logger, cfg.Arbitrage)
	agg := aggregator.New(logger, chains.Spot, chains.Perp, detector, aggOpts)

	sim := bridge.NewSimulator(logger, cfg.Bridge, nil, agg, bridge.WithMetrics(m))

	deps := service.Deps{
		Market:             agg,
		Simulator:          sim,
		Slippage:           slippage.New(logger, slippage.ParamsFromConfig(cfg.Slippage)),
		Cache:              c,
		Retry:              []service.RetryReporter{chains.Spot, chains.Perp},
		Fees:               service.TradeFees{Spot: cfg.Arbitrage.SpotFeeRate, Perp: cfg.Arbitrage.PerpFeeRate},
		DefaultSimulations: cfg.Bridge.DefaultSimulations,
	}
	if listener != nil {
		deps.Stream = listener
	}
	if repo != nil {
		deps.Recorder = repo
	}
	svc := service.New(logger, deps)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(logger, svc, m),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return aggregator.NewScheduler(logger, agg, cfg.Aggregator.UpdateInterval).Run(gctx)
	})
	if listener != nil {
		g.Go(func() error {
			if err := listener.Run(gctx); err != nil {
				logger.Error("Main: stream listener stopped, continuing on polling", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("Main: HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
