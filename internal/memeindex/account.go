package memeindex

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxAssets is the fixed basket capacity baked into the Config account layout.
const MaxAssets = 5

// Account_Config is the anchor account discriminator for Config.
var Account_Config = anchorAccountDiscriminator("Config")

// Config mirrors the program's index configuration account. Read-only to this
// client; owned and mutated by the settlement program.
type Config struct {
	Authority   solana.PublicKey
	IndexMint   solana.PublicKey
	ExitFeeBps  uint16
	NumAssets   uint8
	Bump        uint8
	TotalShares uint64
	AssetsMints [MaxAssets]solana.PublicKey
}

// BasketMints returns the populated prefix of the fixed-size mint array.
func (c *Config) BasketMints() []solana.PublicKey {
	n := int(c.NumAssets)
	if n > MaxAssets {
		n = MaxAssets
	}
	out := make([]solana.PublicKey, n)
	copy(out, c.AssetsMints[:n])
	return out
}

func ParseConfigAccount(data []byte) (*Config, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("config account payload too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], Account_Config[:]) {
		return nil, fmt.Errorf("config account discriminator mismatch")
	}

	var cfg Config
	decoder := bin.NewBorshDecoder(data[8:])
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config account: %w", err)
	}
	if cfg.NumAssets == 0 || int(cfg.NumAssets) > MaxAssets {
		return nil, fmt.Errorf("config account has invalid asset count %d", cfg.NumAssets)
	}
	return &cfg, nil
}

func anchorAccountDiscriminator(accountName string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + accountName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
