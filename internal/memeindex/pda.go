package memeindex

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// The index program addresses every account it touches through deterministic
// derivation; there is no on-chain registry to consult. Seeds mirror the
// program's #[account(seeds = ...)] constraints.

func DeriveConfigPDA(programID, indexMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("config"), indexMint.Bytes()}, programID)
}

func DeriveVaultAuthorityPDA(programID, config solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault_authority"), config.Bytes()}, programID)
}

// DeriveAssociatedTokenAccount is the standard ATA derivation. The vault
// authority is itself a PDA, so callers holding derived owners must pass
// allowOwnerOffCurve; a wallet owner that is off-curve is a caller bug.
func DeriveAssociatedTokenAccount(owner, mint solana.PublicKey, allowOwnerOffCurve bool) (solana.PublicKey, uint8, error) {
	if !allowOwnerOffCurve && !owner.IsOnCurve() {
		return solana.PublicKey{}, 0, fmt.Errorf("owner %s is off-curve; associated account requires a wallet owner", owner)
	}
	return solana.FindProgramAddress(
		[][]byte{owner.Bytes(), solana.TokenProgramID.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
}

func MustDeriveConfigPDA(programID, indexMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveConfigPDA(programID, indexMint)
	if err != nil {
		panic(fmt.Errorf("derive config PDA: %w", err))
	}
	return pk
}
