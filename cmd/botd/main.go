package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dlmmbot/dlmmbot/config"
	"github.com/dlmmbot/dlmmbot/internal/adapters/chain"
	"github.com/dlmmbot/dlmmbot/internal/adapters/meteora"
	"github.com/dlmmbot/dlmmbot/internal/adapters/notify"
	"github.com/dlmmbot/dlmmbot/internal/adapters/predictor"
	"github.com/dlmmbot/dlmmbot/internal/adapters/storage"
	"github.com/dlmmbot/dlmmbot/internal/auth"
	"github.com/dlmmbot/dlmmbot/internal/events"
	"github.com/dlmmbot/dlmmbot/internal/orchestrator"
	"github.com/dlmmbot/dlmmbot/internal/server"
)

const (
	httpShutdownTimeout = 10 * time.Second
	stopAllDeadline     = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	console := flag.Bool("console", false, "print trading activity tables to the terminal")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)
	log := slog.Default()

	slog.Info("dlmmbot starting",
		"config", *configPath,
		"environment", cfg.Server.Environment,
		"network", cfg.Chain.Network,
		"port", cfg.Server.Port,
		"live_trading", cfg.WalletConfigured(),
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "path", cfg.Storage.Path)
		os.Exit(1)
	}
	defer store.Close()

	cache := meteora.NewCache(meteora.NewClient(""))
	bus := events.NewBus(log)

	ml := predictor.New(cfg.Predictor.URL, cfg.Predictor.APIKey, log)

	orchOpts := []orchestrator.OrchestratorOption{
		orchestrator.WithPredictor(ml),
	}
	if cfg.WalletConfigured() {
		wallet, err := loadWallet(cfg.Wallet)
		if err != nil {
			slog.Error("failed to load wallet", "err", err)
			os.Exit(1)
		}
		rpc := chain.NewRPCClient(cfg.Chain.RPCURL)
		swap := chain.NewSwapClient("")
		dlmm := chain.NewDLMMClient(rpc, wallet, cfg.Chain.ProgramID, swap)
		orchOpts = append(orchOpts, orchestrator.WithLiveTrading(dlmm, wallet))
		slog.Info("live trading enabled", "wallet", wallet.Address(), "rpc", cfg.Chain.RPCURL)
	} else {
		slog.Info("no wallet configured, LIVE bots will refuse to start")
	}

	orch := orchestrator.New(store, cache, bus, log, orchOpts...)

	var reporter *notify.Console
	if *console || cfg.Notify.Console {
		reporter = notify.NewConsole(bus)
	}

	authsvc := auth.NewService(store, []byte(cfg.Auth.Secret), cfg.Auth.Issuer,
		cfg.AccessTTL(), cfg.RefreshTTL(), log)

	srvOpts := []server.Option{server.WithCORSOrigins(cfg.Server.CORSOrigins)}
	if cfg.Production() {
		srvOpts = append(srvOpts, server.WithProduction())
	}
	srv := server.New(store, orch, authsvc, bus, ml, log, srvOpts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recovered := orch.RecoverRunningBots(ctx)
	if recovered > 0 {
		slog.Info("recovered running bots", "count", recovered)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("http server failed", "err", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "err", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopAllDeadline)
	defer stopCancel()
	if err := orch.StopAll(stopCtx); err != nil {
		slog.Error("engines did not stop cleanly", "err", err)
		if reporter != nil {
			reporter.Close()
		}
		os.Exit(1)
	}

	if reporter != nil {
		reporter.Close()
	}
	slog.Info("dlmmbot stopped cleanly")
}

func loadWallet(cfg config.WalletConfig) (*chain.Wallet, error) {
	if cfg.KeyFile != "" {
		return chain.LoadWalletFromFile(cfg.KeyFile)
	}
	return chain.LoadWalletFromBase64(cfg.KeyBase64)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
