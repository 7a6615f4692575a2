package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_engine/internal/config"
	"github.com/vitos/grid_trade_engine/internal/domain"
	"github.com/vitos/grid_trade_engine/internal/infrastructure/broker"
	"github.com/vitos/grid_trade_engine/internal/infrastructure/logger"
	"github.com/vitos/grid_trade_engine/internal/infrastructure/storage"
	"github.com/vitos/grid_trade_engine/internal/metrics"
	"github.com/vitos/grid_trade_engine/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional, env vars override the yaml either way
	_ = godotenv.Load()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.LogFile != "" {
		log, err = logger.NewFileLogger(cfg.LogFile, cfg.LogLevel)
	} else {
		log, err = logger.NewLogger(cfg.LogLevel)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Init State Store + Leader Lock
	var (
		store domain.StateStore
		lock  domain.LeaderLock
	)
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to init postgres store", zap.Error(err))
		}
		defer pg.Close()
		store = pg
		lock = pg
		log.Info("state store: postgres", zap.String("lock_key", cfg.LeaderLockKey))
	} else {
		store = storage.NewDiskStore(cfg.StatePath)
		log.Info("state store: disk, single-instance mode", zap.String("path", cfg.StatePath))
	}

	// 4. Init Trade Journal
	var journal domain.TradeJournal
	if cfg.JournalPath != "" {
		j, err := storage.NewSQLiteJournal(cfg.JournalPath)
		if err != nil {
			log.Fatal("Failed to init trade journal", zap.Error(err))
		}
		defer j.Close()
		journal = j
	}

	// 5. Init Broker Client
	client := broker.NewClient(
		cfg.Alpaca.KeyID,
		cfg.Alpaca.SecretKey,
		cfg.Alpaca.BaseURL,
		cfg.Alpaca.DataURL,
		cfg.Alpaca.DataFeed,
		log,
	)

	// 6. Init Elector + Orchestrator
	elector := usecase.NewLeaderElector(lock, cfg.LeaderLockKey, cfg.StandbyOnly, log)

	orch, err := usecase.NewOrchestrator(cfg, client, store, journal, elector, log)
	if err != nil {
		log.Fatal("Failed to init orchestrator", zap.Error(err))
	}

	// 7. Metrics Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	// 8. Run until signal
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Engine stopped", zap.Error(err))
	}

	log.Info("Shutting down...")
}
