package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/tonymorony/memedaq/internal/basket"
	"github.com/tonymorony/memedaq/internal/memeindex"
	"github.com/tonymorony/memedaq/internal/paper"
)

const (
	lamportsPerSol = uint64(1_000_000_000)

	// One share is minted per 0.01 SOL deposited.
	lamportsPerShare = float64(100_000_000)

	// Index mint decimals; UI shares scale to raw units by this factor.
	shareBaseUnits = float64(1_000_000_000)

	// Rough redeem estimate before the swap route is quoted.
	redeemSolPerShare = 0.01

	defaultExitFeeBps = uint16(50)

	// Test-asset provisioning mints this many raw units per basket asset.
	testMintAmount = uint64(1_000) * 1_000_000_000
)

type Kind string

const (
	KindDeposit Kind = "deposit"
	KindRedeem  Kind = "redeem"
)

// Outcome says where an accepted operation actually settled. Committed means
// a confirmed on-chain transaction; Simulated means the paper ledger absorbed
// it after the on-chain path failed. Rejected operations failed validation and
// touched neither; Failed operations settled nowhere at all.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeSimulated Outcome = "simulated"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// configError marks failures that make on-chain settlement impossible to
// attempt at all, as opposed to a failed attempt the paper ledger can absorb.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

type Result struct {
	Kind      Kind    `json:"kind"`
	Outcome   Outcome `json:"outcome"`
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	Details   string  `json:"details,omitempty"`
	Signature string  `json:"signature,omitempty"`
	Shares    float64 `json:"shares"`
}

type Config struct {
	ProgramID  solana.PublicKey
	IndexMint  solana.PublicKey
	ExitFeeBps uint16

	// ProvisionTestAssets creates missing basket token accounts and mints
	// test tokens into the depositor's accounts before depositing. Only
	// meaningful on clusters where the session signer is the mint
	// authority of the basket mints.
	ProvisionTestAssets bool
}

// Service runs deposits and redeems for one session, committing on-chain when
// the cluster cooperates and falling back to the simulated ledger when it
// does not.
type Service struct {
	cfg        Config
	generation basket.Generation
	chain      Chain
	ledger     paper.Ledger
	session    *Session
	logger     *slog.Logger

	// refresh is invoked after every accepted operation, committed or
	// simulated, so the valuation snapshot picks up the new balances.
	refresh func()
}

func NewService(
	cfg Config,
	generation basket.Generation,
	chain Chain,
	ledger paper.Ledger,
	session *Session,
	refresh func(),
	logger *slog.Logger,
) *Service {
	if cfg.ExitFeeBps == 0 {
		cfg.ExitFeeBps = defaultExitFeeBps
	}
	return &Service{
		cfg:        cfg,
		generation: generation,
		chain:      chain,
		ledger:     ledger,
		session:    session,
		logger:     logger,
		refresh:    refresh,
	}
}

func (s *Service) Owner() solana.PublicKey {
	return s.session.Owner()
}

// Deposit converts amountSOL into index shares. Validation failures reject
// before any account derivation or RPC traffic.
func (s *Service) Deposit(ctx context.Context, amountSOL float64) Result {
	if !validAmount(amountSOL) {
		return rejected(KindDeposit, "enter a valid settlement amount")
	}

	if err := s.session.begin(); err != nil {
		return rejected(KindDeposit, err.Error())
	}
	defer s.session.end()
	defer s.notifyRefresh()

	lamports := uint64(math.Floor(amountSOL * float64(lamportsPerSol)))
	if lamports == 0 {
		return rejected(KindDeposit, "enter a valid settlement amount")
	}
	shares := float64(lamports) / lamportsPerShare
	owner := s.session.Owner()

	sig, err := s.depositOnChain(ctx, lamports)
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		// A broken index configuration is terminal; simulating past it
		// would hide a deployment problem behind paper shares.
		s.logger.Error("deposit blocked by index configuration", "owner", owner, "err", err)
		return failed(KindDeposit, err.Error())
	}
	if err == nil {
		s.logger.Info("deposit committed",
			"owner", owner,
			"lamports", lamports,
			"shares", shares,
			"signature", sig,
		)
		return Result{
			Kind:      KindDeposit,
			Outcome:   OutcomeCommitted,
			Success:   true,
			Message:   fmt.Sprintf("deposited %.4f SOL for %.2f index shares", amountSOL, shares),
			Signature: sig.String(),
			Shares:    shares,
		}
	}

	s.logger.Warn("on-chain deposit failed, settling on paper ledger", "owner", owner, "err", err)

	total, lerr := s.ledger.Credit(ctx, owner.String(), shares)
	if lerr != nil {
		return failed(KindDeposit, fmt.Sprintf("deposit failed on-chain and on ledger: %v", lerr))
	}
	return Result{
		Kind:      KindDeposit,
		Outcome:   OutcomeSimulated,
		Success:   true,
		Message:   fmt.Sprintf("deposited %.4f SOL for %.2f simulated index shares", amountSOL, shares),
		Details:   fmt.Sprintf("on-chain settlement unavailable (%v); ledger balance is now %.2f shares", err, total),
		Signature: paperReference(),
		Shares:    shares,
	}
}

// Redeem burns shares back into the underlying basket. The requested amount
// must not exceed the available balance.
func (s *Service) Redeem(ctx context.Context, shares float64) Result {
	if !validAmount(shares) {
		return rejected(KindRedeem, "enter a valid share amount")
	}

	if err := s.session.begin(); err != nil {
		return rejected(KindRedeem, err.Error())
	}
	defer s.session.end()
	defer s.notifyRefresh()

	owner := s.session.Owner()

	available, _, err := s.shareBalance(ctx)
	if err != nil {
		return failed(KindRedeem, fmt.Sprintf("fetch share balance: %v", err))
	}
	if available <= 0 {
		return rejected(KindRedeem, "no index shares to redeem")
	}
	if shares > available {
		return rejected(KindRedeem, fmt.Sprintf("insufficient index shares: have %.2f, requested %.2f", available, shares))
	}

	estimate := shares * redeemSolPerShare

	sig, exitFeeBps, err := s.redeemOnChain(ctx, shares)
	if err == nil {
		s.logger.Info("redeem committed",
			"owner", owner,
			"shares", shares,
			"signature", sig,
		)
		return Result{
			Kind:      KindRedeem,
			Outcome:   OutcomeCommitted,
			Success:   true,
			Message:   fmt.Sprintf("redeemed %.2f index shares", shares),
			Details:   s.redeemDetails(estimate, exitFeeBps),
			Signature: sig.String(),
			Shares:    shares,
		}
	}

	s.logger.Warn("on-chain redeem failed, settling on paper ledger", "owner", owner, "err", err)

	total, lerr := s.ledger.Debit(ctx, owner.String(), shares)
	if lerr != nil {
		return failed(KindRedeem, fmt.Sprintf("redeem failed on-chain and on ledger: %v", lerr))
	}
	return Result{
		Kind:      KindRedeem,
		Outcome:   OutcomeSimulated,
		Success:   true,
		Message:   fmt.Sprintf("redeemed %.2f simulated index shares for ~%.4f SOL", shares, estimate),
		Details:   fmt.Sprintf("%s\nledger balance is now %.2f shares", s.redeemDetails(estimate, exitFeeBps), total),
		Signature: paperReference(),
		Shares:    shares,
	}
}

// ShareBalance reports the owner's index share balance and whether it came
// from the chain or the paper ledger.
func (s *Service) ShareBalance(ctx context.Context) (float64, Outcome, error) {
	shares, source, err := s.shareBalance(ctx)
	return shares, source, err
}

// SettlementBalance reports the owner's SOL balance, 0 on failure. Shaped for
// the valuation engine's balance hook.
func (s *Service) SettlementBalance(ctx context.Context, owner solana.PublicKey) float64 {
	lamports, err := s.chain.Balance(ctx, owner)
	if err != nil {
		s.logger.Warn("settlement balance fetch failed", "owner", owner, "err", err)
		return 0
	}
	return float64(lamports) / float64(lamportsPerSol)
}

func (s *Service) shareBalance(ctx context.Context) (float64, Outcome, error) {
	owner := s.session.Owner()

	accounts, err := deriveAccounts(s.cfg.ProgramID, s.cfg.IndexMint, owner, nil)
	if err != nil {
		return 0, OutcomeSimulated, err
	}

	exists, err := s.chain.AccountExists(ctx, accounts.OwnerIndexATA)
	if err == nil && exists {
		onChain, berr := s.chain.TokenBalance(ctx, accounts.OwnerIndexATA)
		if berr == nil {
			return onChain, OutcomeCommitted, nil
		}
		s.logger.Warn("on-chain share balance fetch failed", "owner", owner, "err", berr)
	}

	ledgerShares, lerr := s.ledger.Balance(ctx, owner.String())
	if lerr != nil {
		return 0, OutcomeSimulated, lerr
	}
	return ledgerShares, OutcomeSimulated, nil
}

func (s *Service) depositOnChain(ctx context.Context, lamports uint64) (solana.Signature, error) {
	owner := s.session.Owner()

	configKey, _, err := memeindex.DeriveConfigPDA(s.cfg.ProgramID, s.cfg.IndexMint)
	if err != nil {
		return solana.Signature{}, err
	}

	indexConfig, err := s.chain.FetchIndexConfig(ctx, configKey)
	if err != nil {
		return solana.Signature{}, err
	}
	if indexConfig == nil {
		if err := s.initializeIndex(ctx, configKey); err != nil {
			return solana.Signature{}, &configError{fmt.Errorf("initialize index: %w (hint: run init-index)", err)}
		}
		indexConfig, err = s.chain.FetchIndexConfig(ctx, configKey)
		if err != nil {
			return solana.Signature{}, err
		}
		if indexConfig == nil {
			return solana.Signature{}, &configError{errors.New("index config missing after initialization (hint: run init-index)")}
		}
	}

	// The on-chain config is authoritative for basket membership; the
	// local manifest only seeds initialization.
	mints := indexConfig.BasketMints()
	if len(mints) == 0 {
		return solana.Signature{}, errors.New("index config has no basket assets")
	}

	accounts, err := deriveAccounts(s.cfg.ProgramID, s.cfg.IndexMint, owner, mints)
	if err != nil {
		return solana.Signature{}, err
	}

	perAsset := lamports / uint64(len(mints))
	if perAsset == 0 {
		return solana.Signature{}, fmt.Errorf("deposit of %d lamports too small to split across %d assets", lamports, len(mints))
	}
	amounts := make([]uint64, len(mints))
	for i := range amounts {
		amounts[i] = perAsset
	}

	var instructions []solana.Instruction

	exists, err := s.chain.AccountExists(ctx, accounts.OwnerIndexATA)
	if err != nil {
		return solana.Signature{}, err
	}
	if !exists {
		instructions = append(instructions,
			memeindex.NewCreateAssociatedTokenAccountInstruction(owner, accounts.OwnerIndexATA, owner, s.cfg.IndexMint))
	}

	if s.cfg.ProvisionTestAssets {
		provisioning, perr := s.provisionTestAssets(ctx, owner, accounts)
		if perr != nil {
			return solana.Signature{}, perr
		}
		instructions = append(instructions, provisioning...)
	}

	depositIx, err := memeindex.NewDepositAndMintInstruction(
		s.cfg.ProgramID,
		owner,
		accounts.Config,
		s.cfg.IndexMint,
		accounts.VaultAuthority,
		accounts.OwnerIndexATA,
		amounts,
		accounts.Assets,
	)
	if err != nil {
		return solana.Signature{}, err
	}
	instructions = append(instructions, depositIx)

	return s.chain.SendAndConfirm(ctx, instructions, s.session.Signer())
}

func (s *Service) redeemOnChain(ctx context.Context, shares float64) (solana.Signature, uint16, error) {
	owner := s.session.Owner()
	exitFeeBps := s.cfg.ExitFeeBps

	configKey, _, err := memeindex.DeriveConfigPDA(s.cfg.ProgramID, s.cfg.IndexMint)
	if err != nil {
		return solana.Signature{}, exitFeeBps, err
	}

	indexConfig, err := s.chain.FetchIndexConfig(ctx, configKey)
	if err != nil {
		return solana.Signature{}, exitFeeBps, err
	}
	if indexConfig == nil {
		return solana.Signature{}, exitFeeBps, errors.New("index not initialized (hint: run init-index)")
	}
	exitFeeBps = indexConfig.ExitFeeBps

	mints := indexConfig.BasketMints()
	accounts, err := deriveAccounts(s.cfg.ProgramID, s.cfg.IndexMint, owner, mints)
	if err != nil {
		return solana.Signature{}, exitFeeBps, err
	}

	sharesRaw := uint64(math.Floor(shares * shareBaseUnits))
	if sharesRaw == 0 {
		return solana.Signature{}, exitFeeBps, fmt.Errorf("share amount %.9f rounds to zero base units", shares)
	}

	redeemIx, err := memeindex.NewRedeemToBasketInstruction(
		s.cfg.ProgramID,
		owner,
		accounts.Config,
		s.cfg.IndexMint,
		accounts.VaultAuthority,
		accounts.OwnerIndexATA,
		sharesRaw,
		accounts.Assets,
	)
	if err != nil {
		return solana.Signature{}, exitFeeBps, err
	}

	sig, err := s.chain.SendAndConfirm(ctx, []solana.Instruction{redeemIx}, s.session.Signer())
	return sig, exitFeeBps, err
}

func (s *Service) initializeIndex(ctx context.Context, configKey solana.PublicKey) error {
	mints, err := s.generation.MintKeys()
	if err != nil {
		return err
	}

	ix, err := memeindex.NewInitializeIndexInstruction(
		s.cfg.ProgramID,
		s.session.Owner(),
		configKey,
		s.cfg.IndexMint,
		mints,
		s.cfg.ExitFeeBps,
	)
	if err != nil {
		return err
	}

	sig, err := s.chain.SendAndConfirm(ctx, []solana.Instruction{ix}, s.session.Signer())
	if err != nil {
		return err
	}
	s.logger.Info("index initialized",
		"config", configKey,
		"assets", len(mints),
		"exit_fee_bps", s.cfg.ExitFeeBps,
		"signature", sig,
	)
	return nil
}

func (s *Service) provisionTestAssets(ctx context.Context, owner solana.PublicKey, accounts *DerivedAccounts) ([]solana.Instruction, error) {
	var instructions []solana.Instruction
	for _, asset := range accounts.Assets {
		depositorExists, err := s.chain.AccountExists(ctx, asset.DepositorATA)
		if err != nil {
			return nil, err
		}
		if !depositorExists {
			instructions = append(instructions,
				memeindex.NewCreateAssociatedTokenAccountInstruction(owner, asset.DepositorATA, owner, asset.Mint))
		}

		vaultExists, err := s.chain.AccountExists(ctx, asset.VaultATA)
		if err != nil {
			return nil, err
		}
		if !vaultExists {
			instructions = append(instructions,
				memeindex.NewCreateAssociatedTokenAccountInstruction(owner, asset.VaultATA, accounts.VaultAuthority, asset.Mint))
		}

		mintIx, err := memeindex.NewMintToInstruction(asset.Mint, asset.DepositorATA, owner, testMintAmount)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, mintIx)
	}
	return instructions, nil
}

func (s *Service) redeemDetails(estimate float64, exitFeeBps uint16) string {
	var b strings.Builder
	fmt.Fprintf(&b, "estimated proceeds ~%.4f SOL from swapping:", estimate)
	for _, asset := range s.generation.Assets {
		fmt.Fprintf(&b, "\n  %s -> SOL", asset.Symbol)
	}
	fmt.Fprintf(&b, "\nexit fee: %.2f%%", float64(exitFeeBps)/100)
	return b.String()
}

func (s *Service) notifyRefresh() {
	if s.refresh != nil {
		go s.refresh()
	}
}

// paperReference is a synthetic settlement id for ledger-settled operations,
// distinguishable from a real transaction signature at a glance.
func paperReference() string {
	return fmt.Sprintf("paper-%d", time.Now().UnixNano())
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func rejected(kind Kind, message string) Result {
	return Result{Kind: kind, Outcome: OutcomeRejected, Message: message}
}

func failed(kind Kind, message string) Result {
	return Result{Kind: kind, Outcome: OutcomeFailed, Message: message}
}
