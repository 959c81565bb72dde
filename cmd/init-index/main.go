package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"

	"github.com/tonymorony/memedaq/internal/basket"
	"github.com/tonymorony/memedaq/internal/config"
	"github.com/tonymorony/memedaq/internal/logging"
	"github.com/tonymorony/memedaq/internal/memeindex"
	"github.com/tonymorony/memedaq/internal/settlement"
)

// indexArtifact is the deployment record written after initialization, for
// operators and downstream tooling that need the derived addresses.
type indexArtifact struct {
	ProgramID      string   `json:"program_id"`
	IndexMint      string   `json:"index_mint"`
	Config         string   `json:"config"`
	VaultAuthority string   `json:"vault_authority"`
	AssetMints     []string `json:"asset_mints"`
	ExitFeeBps     uint16   `json:"exit_fee_bps"`
	Signature      string   `json:"signature,omitempty"`
}

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadInitConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("init-index", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("init-index failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.InitConfig, logger *slog.Logger) error {
	manifest, err := basket.Load(cfg.BasketManifestPath)
	if err != nil {
		return err
	}
	generation, err := manifest.Active()
	if err != nil {
		return err
	}
	mints, err := generation.MintKeys()
	if err != nil {
		return err
	}

	session, err := settlement.NewSessionFromKeygenFile(cfg.KeypairPath)
	if err != nil {
		return err
	}

	configKey, _, err := memeindex.DeriveConfigPDA(cfg.ProgramID, cfg.IndexMint)
	if err != nil {
		return fmt.Errorf("derive config: %w", err)
	}
	vaultAuthority, _, err := memeindex.DeriveVaultAuthorityPDA(cfg.ProgramID, configKey)
	if err != nil {
		return fmt.Errorf("derive vault authority: %w", err)
	}

	logger.Info("initializing index",
		"rpc", cfg.RPCURL,
		"program", cfg.ProgramID,
		"index_mint", cfg.IndexMint,
		"config", configKey,
		"vault_authority", vaultAuthority,
		"basket", generation.Name,
		"assets", len(mints),
		"authority", session.Owner(),
	)

	chain := settlement.NewRPCChain(cfg.RPCURL, cfg.Commitment, cfg.SkipPreflight, cfg.MaxRetries)

	var signature string
	existing, err := chain.FetchIndexConfig(ctx, configKey)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Info("index already initialized",
			"exit_fee_bps", existing.ExitFeeBps,
			"num_assets", existing.NumAssets,
			"total_shares", existing.TotalShares,
		)
	} else {
		ix, err := memeindex.NewInitializeIndexInstruction(
			cfg.ProgramID,
			session.Owner(),
			configKey,
			cfg.IndexMint,
			mints,
			cfg.ExitFeeBps,
		)
		if err != nil {
			return err
		}

		sig, err := chain.SendAndConfirm(ctx, []solana.Instruction{ix}, session.Signer())
		if err != nil {
			return fmt.Errorf("send initialize_index: %w", err)
		}
		signature = sig.String()
		logger.Info("index initialized", "signature", signature)
	}

	artifact := indexArtifact{
		ProgramID:      cfg.ProgramID.String(),
		IndexMint:      cfg.IndexMint.String(),
		Config:         configKey.String(),
		VaultAuthority: vaultAuthority.String(),
		AssetMints:     make([]string, 0, len(mints)),
		ExitFeeBps:     cfg.ExitFeeBps,
		Signature:      signature,
	}
	for _, mint := range mints {
		artifact.AssetMints = append(artifact.AssetMints, mint.String())
	}

	body, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := os.WriteFile(cfg.ArtifactPath, append(body, '\n'), 0o644); err != nil {
		return fmt.Errorf("write artifact %q: %w", cfg.ArtifactPath, err)
	}

	logger.Info("deployment artifact written", "path", cfg.ArtifactPath)
	return nil
}
