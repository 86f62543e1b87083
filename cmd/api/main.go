// Package main provides the entry point for the bounty API server.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/karatsubalabs/gitbounties/internal/api"
	"github.com/karatsubalabs/gitbounties/internal/auth"
	"github.com/karatsubalabs/gitbounties/internal/bootstrap"
	"github.com/karatsubalabs/gitbounties/internal/settlement"
	"github.com/karatsubalabs/gitbounties/internal/shutdown"
	"github.com/karatsubalabs/gitbounties/pkg/config"
	"github.com/karatsubalabs/gitbounties/pkg/logger"
)

func main() {
	// Initialize logger
	log := logger.New(slog.LevelInfo, true)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.FromConfig(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	fail := func(msg string, err error) {
		log.Error(msg, "error", err)
		coordinator.Shutdown()
		coordinator.Wait()
		os.Exit(1)
	}

	st, err := bootstrap.OpenStore(ctx, cfg, log.WithComponent("store").Logger)
	if err != nil {
		fail("failed to open store", err)
	}
	coordinator.Register(shutdown.NewCloserComponent("store", st))

	keys, err := bootstrap.Keys(cfg, log.WithComponent("secrets").Logger)
	if err != nil {
		fail("failed to initialize key service", err)
	}

	gh, err := bootstrap.NewGitHub(ctx, cfg, keys, log.WithComponent("github").Logger)
	if err != nil {
		fail("failed to initialize github integration", err)
	}

	escrow, err := bootstrap.DialEscrow(ctx, cfg, keys, log.WithComponent("chain").Logger)
	if err != nil {
		fail("failed to connect to escrow contract", err)
	}
	coordinator.Register(shutdown.NewCloserComponent("chain", escrow))
	log.Info("escrow bound", "contract", cfg.Chain.ContractAddress, "operator", escrow.Operator().Hex())

	settlementLog := log.WithComponent("settlement").Logger
	executor := settlement.NewExecutor(escrow, settlementLog)
	orchestrator := settlement.NewOrchestrator(st, gh.Closers, executor, settlementLog)

	if cfg.Settlement.RecoveryEnabled {
		recovery := settlement.NewRecovery(st.Bounties(), executor, cfg.Settlement.MaxBurnAttempts, settlementLog)
		if err := recovery.Start(cfg.Settlement.RecoveryInterval); err != nil {
			fail("failed to start settlement recovery", err)
		}
		coordinator.Register(shutdown.NewWorkerComponent("settlement-recovery", recovery))
	}

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, log.Logger)

	server := api.NewServer(cfg, api.Dependencies{
		Store:         st,
		Auth:          authService,
		Gate:          auth.NewGate(st.Users(), log.WithComponent("gate").Logger),
		Installations: gh.Installations,
		Issues:        gh.Issues,
		OAuth:         gh.OAuth,
		Settler:       orchestrator,
		Chain:         escrow,
	}, log.Logger)

	// Stopped in reverse: HTTP intake first, then the webhook drain, then
	// recovery, then the chain client and the store.
	coordinator.Register(shutdown.NewFuncComponent("webhook-drain", server.Webhooks().Shutdown))
	coordinator.Register(shutdown.NewHTTPServerComponent("api", server))

	go func() {
		if err := server.Start(ctx); err != nil {
			log.Error("server error", "error", err)
			coordinator.Shutdown()
		}
	}()
	go coordinator.WaitForSignal()

	coordinator.Wait()
	log.Info("server stopped")
	os.Exit(coordinator.ExitCode())
}
