package memeindex

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	initializeIndexDiscriminator = anchorInstructionDiscriminator("initialize_index")
	depositAndMintDiscriminator  = anchorInstructionDiscriminator("deposit_and_mint")
	redeemToBasketDiscriminator  = anchorInstructionDiscriminator("redeem_to_basket")
)

// AssetAccounts is one basket member's account triple in deposit order:
// depositor ATA, vault ATA, mint.
type AssetAccounts struct {
	DepositorATA solana.PublicKey
	VaultATA     solana.PublicKey
	Mint         solana.PublicKey
}

type initializeIndexArgs struct {
	Assets     [MaxAssets]solana.PublicKey
	NumAssets  uint8
	ExitFeeBps uint16
}

type depositAndMintArgs struct {
	Amounts []uint64
}

type redeemToBasketArgs struct {
	SharesIn uint64
}

func NewInitializeIndexInstruction(
	programID solana.PublicKey,
	authority solana.PublicKey,
	config solana.PublicKey,
	indexMint solana.PublicKey,
	assets []solana.PublicKey,
	exitFeeBps uint16,
) (solana.Instruction, error) {
	if len(assets) == 0 || len(assets) > MaxAssets {
		return nil, fmt.Errorf("initialize_index expects 1..%d assets, got %d", MaxAssets, len(assets))
	}

	args := initializeIndexArgs{
		NumAssets:  uint8(len(assets)),
		ExitFeeBps: exitFeeBps,
	}
	copy(args.Assets[:], assets)

	data, err := encodeInstruction(initializeIndexDiscriminator, args)
	if err != nil {
		return nil, fmt.Errorf("encode initialize_index args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(config, true, false),
		solana.NewAccountMeta(indexMint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}

	return solana.NewInstruction(programID, accounts, data), nil
}

func NewDepositAndMintInstruction(
	programID solana.PublicKey,
	depositor solana.PublicKey,
	config solana.PublicKey,
	indexMint solana.PublicKey,
	vaultAuthority solana.PublicKey,
	depositorIndexATA solana.PublicKey,
	amounts []uint64,
	assetAccounts []AssetAccounts,
) (solana.Instruction, error) {
	if len(amounts) != len(assetAccounts) {
		return nil, fmt.Errorf("deposit_and_mint: %d amounts for %d asset account triples", len(amounts), len(assetAccounts))
	}

	data, err := encodeInstruction(depositAndMintDiscriminator, depositAndMintArgs{Amounts: amounts})
	if err != nil {
		return nil, fmt.Errorf("encode deposit_and_mint args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(depositor, true, true),
		solana.NewAccountMeta(config, true, false),
		solana.NewAccountMeta(indexMint, true, false),
		solana.NewAccountMeta(vaultAuthority, false, false),
		solana.NewAccountMeta(depositorIndexATA, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	for _, triple := range assetAccounts {
		accounts = append(accounts,
			solana.NewAccountMeta(triple.DepositorATA, true, false),
			solana.NewAccountMeta(triple.VaultATA, true, false),
			solana.NewAccountMeta(triple.Mint, false, false),
		)
	}

	return solana.NewInstruction(programID, accounts, data), nil
}

func NewRedeemToBasketInstruction(
	programID solana.PublicKey,
	depositor solana.PublicKey,
	config solana.PublicKey,
	indexMint solana.PublicKey,
	vaultAuthority solana.PublicKey,
	depositorIndexATA solana.PublicKey,
	sharesIn uint64,
	assetAccounts []AssetAccounts,
) (solana.Instruction, error) {
	data, err := encodeInstruction(redeemToBasketDiscriminator, redeemToBasketArgs{SharesIn: sharesIn})
	if err != nil {
		return nil, fmt.Errorf("encode redeem_to_basket args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(depositor, true, true),
		solana.NewAccountMeta(config, true, false),
		solana.NewAccountMeta(indexMint, true, false),
		solana.NewAccountMeta(vaultAuthority, false, false),
		solana.NewAccountMeta(depositorIndexATA, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	// redeem takes two remaining accounts per asset: depositor ATA then vault ATA.
	for _, pair := range assetAccounts {
		accounts = append(accounts,
			solana.NewAccountMeta(pair.DepositorATA, true, false),
			solana.NewAccountMeta(pair.VaultATA, true, false),
		)
	}

	return solana.NewInstruction(programID, accounts, data), nil
}

// NewCreateAssociatedTokenAccountInstruction provisions an ATA with the payer
// covering rent. Account order follows the associated-token program contract.
func NewCreateAssociatedTokenAccountInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{})
}

// NewMintToInstruction mints test-token balances into an account. Only usable
// when the signing wallet is the mint authority of the devnet test tokens.
func NewMintToInstruction(mint, destination, authority solana.PublicKey, amount uint64) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(7) // SPL token MintTo instruction tag
	encoder := bin.NewBorshEncoder(buf)
	if err := encoder.Encode(amount); err != nil {
		return nil, fmt.Errorf("encode mint_to amount: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(mint, true, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	return solana.NewInstruction(solana.TokenProgramID, accounts, buf.Bytes()), nil
}

func encodeInstruction(discriminator [8]byte, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	encoder := bin.NewBorshEncoder(buf)
	if err := encoder.Encode(args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
