package basket

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// MaxAssets matches the fixed basket size enforced by the on-chain program.
const MaxAssets = 5

type Asset struct {
	Symbol      string `json:"symbol"`
	Mint        string `json:"mint"`
	CoinGeckoID string `json:"coingecko_id"`
}

func (a Asset) MintKey() (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(a.Mint))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid mint for %s: %w", a.Symbol, err)
	}
	return pk, nil
}

// Generation is one versioned membership of the basket. Exactly one generation
// is active at a time; superseded generations are kept for operational tooling
// that still needs the old addresses.
type Generation struct {
	Name   string  `json:"name"`
	Active bool    `json:"active"`
	Assets []Asset `json:"assets"`
}

type Manifest struct {
	Generations []Generation `json:"generations"`
}

// Active returns the single active generation. Zero or multiple active
// generations is a configuration error, not something to guess around.
func (m *Manifest) Active() (Generation, error) {
	var found *Generation
	for i := range m.Generations {
		if !m.Generations[i].Active {
			continue
		}
		if found != nil {
			return Generation{}, fmt.Errorf("manifest has multiple active generations (%q and %q)", found.Name, m.Generations[i].Name)
		}
		found = &m.Generations[i]
	}
	if found == nil {
		return Generation{}, fmt.Errorf("manifest has no active generation")
	}
	if len(found.Assets) == 0 || len(found.Assets) > MaxAssets {
		return Generation{}, fmt.Errorf("active generation %q has %d assets (expected 1..%d)", found.Name, len(found.Assets), MaxAssets)
	}
	return *found, nil
}

func (g Generation) MintKeys() ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(g.Assets))
	for _, asset := range g.Assets {
		pk, err := asset.MintKey()
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

func (g Generation) CoinGeckoIDs() []string {
	out := make([]string, 0, len(g.Assets))
	for _, asset := range g.Assets {
		id := strings.TrimSpace(asset.CoinGeckoID)
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Load reads a manifest file, falling back to the built-in default when the
// path is empty.
func Load(path string) (*Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read basket manifest %q: %w", path, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("parse basket manifest %q: %w", path, err)
	}
	if len(manifest.Generations) == 0 {
		return nil, fmt.Errorf("basket manifest %q has no generations", path)
	}
	if _, err := manifest.Active(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Default carries both known generations: the mainnet meme basket the index
// was designed around, and the devnet test-token basket used for settlement
// rehearsal. The devnet generation is active because the settlement program is
// deployed there.
func Default() *Manifest {
	return &Manifest{
		Generations: []Generation{
			{
				Name: "mainnet-v1",
				Assets: []Asset{
					{Symbol: "BONK", Mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", CoinGeckoID: "bonk"},
					{Symbol: "WIF", Mint: "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm", CoinGeckoID: "dogwifcoin"},
					{Symbol: "TRUMP", Mint: "HaP8r3ksG76PhQLTqR8FYBeNiQpejcFbQmiHbg787Ut1", CoinGeckoID: "maga"},
					{Symbol: "POPCAT", Mint: "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr", CoinGeckoID: "popcat"},
					{Symbol: "BOME", Mint: "ukHH6c7mMyiWCf1b9pnWe25TSpkDDt3H5pQZgZ74J82", CoinGeckoID: "book-of-meme"},
				},
			},
			{
				Name:   "devnet-test-v2",
				Active: true,
				Assets: []Asset{
					{Symbol: "BONK", Mint: "BbjYpudvUZySAVXokYt1ARmiZfmvRUtB79HY4CwJz3XF", CoinGeckoID: "bonk"},
					{Symbol: "WIF", Mint: "9heNML9CuFqpyiCCaPEK13ZUCSb5Dw2piwJNdY6ZnkRB", CoinGeckoID: "dogwifcoin"},
					{Symbol: "TRUMP", Mint: "3kZXRr2cyBbiHzx6n7f1iWaCo4BmyXhtqQAh7vbnDGEv", CoinGeckoID: "maga"},
					{Symbol: "POPCAT", Mint: "4CgrgJV7fHnF3QzJAUYCoBfWEGtngjko91TucszcRcXy", CoinGeckoID: "popcat"},
					{Symbol: "BOME", Mint: "4k6qsq5wutfzpJ8bwRSZGXta5kZyGXEkEbynGZgVgmFZ", CoinGeckoID: "book-of-meme"},
				},
			},
		},
	}
}
