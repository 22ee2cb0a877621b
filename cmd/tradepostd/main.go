package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tradepost/config"
	"tradepost/gateway"
	"tradepost/native/market"
	"tradepost/observability/logging"
	oteltrace "tradepost/observability/otel"
	"tradepost/state"
	"tradepost/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "tradepost.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	var fileOpts *logging.FileOptions
	if strings.TrimSpace(cfg.Log.File) != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	logger := logging.Setup("tradepostd", cfg.Log.Env, fileOpts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(cfg.Telemetry.Endpoint) != "" && cfg.Telemetry.Traces {
		shutdown, err := oteltrace.Init(ctx, oteltrace.Config{
			ServiceName: "tradepostd",
			Environment: cfg.Log.Env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("open ledger database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ledger := state.NewMarketState(db)
	registry := market.NewCustodyRegistry()

	engine := market.NewEngine()
	engine.SetState(ledger)
	engine.SetGateway(registry)
	if err := engine.SetFeeBps(cfg.FeeBps); err != nil {
		logger.Error("configure fee", "error", err)
		os.Exit(1)
	}
	releaseTimeout, err := cfg.AutoReleaseDuration()
	if err != nil {
		logger.Error("configure auto-release timeout", "error", err)
		os.Exit(1)
	}
	engine.SetAutoReleaseTimeout(releaseTimeout)

	var arbiterAddr [20]byte
	if strings.TrimSpace(cfg.Arbiter) != "" {
		arbiterAddr, err = config.ParseAddress(cfg.Arbiter)
		if err != nil {
			logger.Error("configure arbiter", "error", err)
			os.Exit(1)
		}
		engine.SetArbiter(arbiterAddr)
	}
	if strings.TrimSpace(cfg.Treasury) != "" {
		treasury, err := config.ParseAddress(cfg.Treasury)
		if err != nil {
			logger.Error("configure treasury", "error", err)
			os.Exit(1)
		}
		engine.SetFeeTreasury(treasury)
	}

	if strings.TrimSpace(cfg.CustodySeed) != "" {
		if err := applySeed(cfg.CustodySeed, registry, engine); err != nil {
			logger.Error("apply custody seed", "error", err)
			os.Exit(1)
		}
		logger.Info("custody seed applied", "path", cfg.CustodySeed)
	}

	audit, err := gateway.NewAuditStore(cfg.AuditDBPath)
	if err != nil {
		logger.Error("open audit store", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	keys := make([]gateway.APIKey, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		keys = append(keys, gateway.APIKey{Key: key.Key, Secret: key.Secret, Arbiter: key.Arbiter})
	}
	auth := gateway.NewAuthenticator(keys, 0, nil)
	limiter := gateway.NewRateLimiter(gateway.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	server := gateway.NewServer(engine, auth, audit, limiter, logger, arbiterAddr)

	sweepInterval, err := cfg.SweepDuration()
	if err != nil {
		logger.Error("configure sweep interval", "error", err)
		os.Exit(1)
	}
	sweeper := gateway.NewReleaseSweeper(engine, logger, sweepInterval)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: otelhttp.NewHandler(server, "tradepost.gateway"),
	}

	go func() {
		logger.Info("tradepost gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down tradepost gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
