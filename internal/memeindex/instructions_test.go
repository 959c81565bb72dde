package memeindex

import (
	"bytes"
	"crypto/sha256"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

func testAssetAccounts(t *testing.T, owner solana.PublicKey, count int) []AssetAccounts {
	t.Helper()
	out := make([]AssetAccounts, 0, count)
	for i := 0; i < count; i++ {
		mint := solana.NewWallet().PublicKey()
		depositorATA, _, err := DeriveAssociatedTokenAccount(owner, mint, false)
		if err != nil {
			t.Fatalf("derive depositor ATA: %v", err)
		}
		out = append(out, AssetAccounts{
			DepositorATA: depositorATA,
			VaultATA:     solana.NewWallet().PublicKey(),
			Mint:         mint,
		})
	}
	return out
}

func TestInstructionDiscriminators(t *testing.T) {
	cases := map[string][8]byte{
		"initialize_index": initializeIndexDiscriminator,
		"deposit_and_mint": depositAndMintDiscriminator,
		"redeem_to_basket": redeemToBasketDiscriminator,
	}
	for name, got := range cases {
		hash := sha256.Sum256([]byte("global:" + name))
		if !bytes.Equal(got[:], hash[:8]) {
			t.Errorf("discriminator mismatch for %s", name)
		}
	}
}

func TestDepositAndMintAccountLayout(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	assets := testAssetAccounts(t, owner, 5)
	amounts := []uint64{10, 10, 10, 10, 10}

	ix, err := NewDepositAndMintInstruction(
		testProgramID,
		owner,
		solana.NewWallet().PublicKey(),
		testIndexMint,
		solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey(),
		amounts,
		assets,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	accounts := ix.Accounts()
	// 8 fixed accounts plus a depositor/vault/mint triple per asset.
	want := 8 + 3*len(assets)
	if len(accounts) != want {
		t.Fatalf("account count mismatch: got %d, want %d", len(accounts), want)
	}
	if !accounts[0].PublicKey.Equals(owner) || !accounts[0].IsSigner {
		t.Fatalf("first account must be the signing depositor")
	}

	for i, asset := range assets {
		base := 8 + 3*i
		if !accounts[base].PublicKey.Equals(asset.DepositorATA) {
			t.Errorf("asset %d: depositor ATA position wrong", i)
		}
		if !accounts[base+1].PublicKey.Equals(asset.VaultATA) {
			t.Errorf("asset %d: vault ATA position wrong", i)
		}
		if !accounts[base+2].PublicKey.Equals(asset.Mint) {
			t.Errorf("asset %d: mint position wrong", i)
		}
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("instruction data: %v", err)
	}
	if !bytes.Equal(data[:8], depositAndMintDiscriminator[:]) {
		t.Fatalf("data must start with deposit_and_mint discriminator")
	}

	var decoded depositAndMintArgs
	if err := bin.NewBorshDecoder(data[8:]).Decode(&decoded); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if len(decoded.Amounts) != len(amounts) {
		t.Fatalf("amounts length mismatch: got %d, want %d", len(decoded.Amounts), len(amounts))
	}
	for i := range amounts {
		if decoded.Amounts[i] != amounts[i] {
			t.Fatalf("amount %d mismatch: got %d, want %d", i, decoded.Amounts[i], amounts[i])
		}
	}
}

func TestDepositAndMintRejectsMismatchedAmounts(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	assets := testAssetAccounts(t, owner, 3)

	_, err := NewDepositAndMintInstruction(
		testProgramID,
		owner,
		solana.NewWallet().PublicKey(),
		testIndexMint,
		solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey(),
		[]uint64{1, 2},
		assets,
	)
	if err == nil {
		t.Fatalf("expected error for 2 amounts against 3 asset account triples")
	}
}

func TestRedeemToBasketAccountLayout(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	assets := testAssetAccounts(t, owner, 5)

	ix, err := NewRedeemToBasketInstruction(
		testProgramID,
		owner,
		solana.NewWallet().PublicKey(),
		testIndexMint,
		solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey(),
		1_000_000_000,
		assets,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	accounts := ix.Accounts()
	// 6 fixed accounts plus a depositor/vault pair per asset; no mint.
	want := 6 + 2*len(assets)
	if len(accounts) != want {
		t.Fatalf("account count mismatch: got %d, want %d", len(accounts), want)
	}

	for i, asset := range assets {
		base := 6 + 2*i
		if !accounts[base].PublicKey.Equals(asset.DepositorATA) {
			t.Errorf("asset %d: depositor ATA position wrong", i)
		}
		if !accounts[base+1].PublicKey.Equals(asset.VaultATA) {
			t.Errorf("asset %d: vault ATA position wrong", i)
		}
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("instruction data: %v", err)
	}

	var decoded redeemToBasketArgs
	if err := bin.NewBorshDecoder(data[8:]).Decode(&decoded); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if decoded.SharesIn != 1_000_000_000 {
		t.Fatalf("shares_in mismatch: got %d", decoded.SharesIn)
	}
}

func TestInitializeIndexRejectsOversizedBasket(t *testing.T) {
	assets := make([]solana.PublicKey, MaxAssets+1)
	for i := range assets {
		assets[i] = solana.NewWallet().PublicKey()
	}

	_, err := NewInitializeIndexInstruction(
		testProgramID,
		solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey(),
		testIndexMint,
		assets,
		50,
	)
	if err == nil {
		t.Fatalf("expected error for %d assets", len(assets))
	}
}

func TestParseConfigAccountRoundTrip(t *testing.T) {
	cfg := Config{
		Authority:   solana.NewWallet().PublicKey(),
		IndexMint:   testIndexMint,
		ExitFeeBps:  50,
		NumAssets:   3,
		Bump:        254,
		TotalShares: 42,
	}
	for i := 0; i < int(cfg.NumAssets); i++ {
		cfg.AssetsMints[i] = solana.NewWallet().PublicKey()
	}

	buf := new(bytes.Buffer)
	buf.Write(Account_Config[:])
	if err := bin.NewBorshEncoder(buf).Encode(cfg); err != nil {
		t.Fatalf("encode config: %v", err)
	}

	parsed, err := ParseConfigAccount(buf.Bytes())
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if parsed.ExitFeeBps != cfg.ExitFeeBps || parsed.NumAssets != cfg.NumAssets || parsed.TotalShares != cfg.TotalShares {
		t.Fatalf("parsed config mismatch: %+v", parsed)
	}

	mints := parsed.BasketMints()
	if len(mints) != 3 {
		t.Fatalf("basket mints length mismatch: got %d", len(mints))
	}
	for i, mint := range mints {
		if !mint.Equals(cfg.AssetsMints[i]) {
			t.Fatalf("basket mint %d mismatch", i)
		}
	}
}

func TestParseConfigAccountRejectsWrongDiscriminator(t *testing.T) {
	payload := make([]byte, 64)
	if _, err := ParseConfigAccount(payload); err == nil {
		t.Fatalf("expected discriminator error")
	}
}
