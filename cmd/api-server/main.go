package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/tonymorony/memedaq/internal/apiserver"
	"github.com/tonymorony/memedaq/internal/basket"
	"github.com/tonymorony/memedaq/internal/config"
	"github.com/tonymorony/memedaq/internal/logging"
	"github.com/tonymorony/memedaq/internal/oracle"
	"github.com/tonymorony/memedaq/internal/paper"
	"github.com/tonymorony/memedaq/internal/settlement"
	"github.com/tonymorony/memedaq/internal/valuation"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("api-server", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	manifest, err := basket.Load(cfg.BasketManifestPath)
	if err != nil {
		logger.Error("failed to load basket manifest", "err", err)
		os.Exit(1)
	}
	generation, err := manifest.Active()
	if err != nil {
		logger.Error("invalid basket manifest", "err", err)
		os.Exit(1)
	}

	session, err := settlement.NewSessionFromKeygenFile(cfg.KeypairPath)
	if err != nil {
		logger.Error("failed to load session keypair", "err", err)
		os.Exit(1)
	}

	var ledger paper.Ledger
	if cfg.DBDSN != "" {
		store, storeErr := paper.NewStore(cfg.DBDSN)
		if storeErr != nil {
			logger.Error("failed to initialize paper ledger store", "err", storeErr)
			os.Exit(1)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				logger.Error("failed to close paper ledger store", "err", closeErr)
			}
		}()
		ledger = store
	} else {
		logger.Warn("no PAPER_DB_DSN configured, simulated balances are in-memory only")
		ledger = paper.NewMemoryLedger()
	}

	chain := settlement.NewRPCChain(cfg.RPCURL, cfg.Commitment, cfg.SkipPreflight, cfg.MaxRetries)

	coingecko := oracle.NewCoinGeckoClient(cfg.CoinGeckoBaseURL, cfg.OracleTimeout, logger)
	jupiter := oracle.NewJupiterClient(cfg.JupiterBaseURL, cfg.JupiterSlippageBps, cfg.OracleTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var engine *valuation.Engine
	settleService := settlement.NewService(
		settlement.Config{
			ProgramID:           cfg.ProgramID,
			IndexMint:           cfg.IndexMint,
			ExitFeeBps:          cfg.ExitFeeBps,
			ProvisionTestAssets: cfg.ProvisionTestAssets,
		},
		generation,
		chain,
		ledger,
		session,
		func() {
			if engine != nil {
				if _, refreshErr := engine.Refresh(ctx); refreshErr != nil {
					logger.Warn("post-settlement refresh failed", "err", refreshErr)
				}
			}
		},
		logger,
	)

	owner := session.Owner()
	engine = valuation.NewEngine(
		generation,
		coingecko,
		jupiter,
		settleService.SettlementBalance,
		&owner,
		cfg.SettlementAssetID,
		cfg.VsCurrency,
		cfg.RefreshInterval,
		logger,
	)

	go func() {
		if runErr := engine.Run(ctx); runErr != nil {
			logger.Error("valuation engine exited with error", "err", runErr)
		}
	}()

	svc := apiserver.New(cfg, engine, settleService, generation, logger)
	if err := svc.Run(ctx); err != nil {
		logger.Error("api-server exited with error", "err", err)
		os.Exit(1)
	}
}
