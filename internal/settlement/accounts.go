package settlement

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/tonymorony/memedaq/internal/memeindex"
)

// DerivedAccounts is the full account set one deposit or redeem touches,
// derived deterministically from the program, index mint, and owner.
type DerivedAccounts struct {
	Config         solana.PublicKey
	VaultAuthority solana.PublicKey
	OwnerIndexATA  solana.PublicKey
	Assets         []memeindex.AssetAccounts
}

func deriveAccounts(
	programID solana.PublicKey,
	indexMint solana.PublicKey,
	owner solana.PublicKey,
	assetMints []solana.PublicKey,
) (*DerivedAccounts, error) {
	configKey, _, err := memeindex.DeriveConfigPDA(programID, indexMint)
	if err != nil {
		return nil, fmt.Errorf("derive config: %w", err)
	}

	vaultAuthority, _, err := memeindex.DeriveVaultAuthorityPDA(programID, configKey)
	if err != nil {
		return nil, fmt.Errorf("derive vault authority: %w", err)
	}

	ownerIndexATA, _, err := memeindex.DeriveAssociatedTokenAccount(owner, indexMint, false)
	if err != nil {
		return nil, fmt.Errorf("derive owner index token account: %w", err)
	}

	accounts := &DerivedAccounts{
		Config:         configKey,
		VaultAuthority: vaultAuthority,
		OwnerIndexATA:  ownerIndexATA,
		Assets:         make([]memeindex.AssetAccounts, 0, len(assetMints)),
	}

	for _, mint := range assetMints {
		depositorATA, _, err := memeindex.DeriveAssociatedTokenAccount(owner, mint, false)
		if err != nil {
			return nil, fmt.Errorf("derive depositor token account for %s: %w", mint, err)
		}
		// The vault authority is a PDA; ATA derivation must allow an
		// off-curve owner.
		vaultATA, _, err := memeindex.DeriveAssociatedTokenAccount(vaultAuthority, mint, true)
		if err != nil {
			return nil, fmt.Errorf("derive vault token account for %s: %w", mint, err)
		}
		accounts.Assets = append(accounts.Assets, memeindex.AssetAccounts{
			DepositorATA: depositorATA,
			VaultATA:     vaultATA,
			Mint:         mint,
		})
	}

	return accounts, nil
}
