// Package main runs the vault layer HTTP gateway.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Arteon-Labs/vault_layer/internal/app"
	"github.com/Arteon-Labs/vault_layer/internal/app/httpapi"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage/postgres"
	"github.com/Arteon-Labs/vault_layer/internal/chain"
	"github.com/Arteon-Labs/vault_layer/internal/config"
	"github.com/Arteon-Labs/vault_layer/internal/wallet"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "Path to env file (optional)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.NewDefault("gateway").WithError(err).Warn("env file not loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("gateway").WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "gateway",
	})

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("gateway exited")
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	// =========================================================================
	// Chain access
	// =========================================================================
	node, err := chain.NewClient(chain.Config{RPCURL: cfg.RPCURL})
	if err != nil {
		return err
	}
	programID, err := chain.ParseAddress(cfg.ProgramID)
	if err != nil {
		return err
	}
	program := chain.NewProgramClient(node, programID, log)

	// =========================================================================
	// Authority keystore
	// =========================================================================
	keystore := wallet.New(node, log, wallet.WithConfirmWindow(cfg.ConfirmTimeout))
	if cfg.WalletPath != "" {
		if err := keystore.Load(cfg.WalletPath); err != nil {
			return err
		}
	} else {
		log.Warn("AUTHORITY_WALLET_PATH not set; generating an ephemeral authority keypair")
		if err := keystore.LoadGenerated(); err != nil {
			return err
		}
	}
	if pub, err := keystore.PublicKey(); err == nil {
		log.WithField("authority", pub.String()).Info("authority keystore loaded")
	}

	// =========================================================================
	// Persistence
	// =========================================================================
	stores := app.Stores{}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := postgres.New(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return err
		}
		stores = app.Stores{Offers: pg, Fractionalizations: pg, Contents: pg}
		log.Info("using postgres ledger")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory ledger")
	}

	application, err := app.New(program, keystore, stores, app.Config{
		Network:       cfg.Network,
		SweepSchedule: cfg.SweepSchedule,
	}, log)
	if err != nil {
		return err
	}

	// =========================================================================
	// HTTP server
	// =========================================================================
	handlerCfg := httpapi.Config{
		Buyouts:            application.Buyouts,
		Vaults:             application.Vaults,
		Logger:             log,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	}
	if cfg.AirdropEnabled() {
		handlerCfg.Faucet = node
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewHandler(handlerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := application.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return application.Stop(shutdownCtx)
}
