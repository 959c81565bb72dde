package valuation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/tonymorony/memedaq/internal/basket"
	"github.com/tonymorony/memedaq/internal/oracle"
)

// Index 24h change is clamped to suppress nonsense from thin quote sources.
const (
	changeFloorPct   = -99.0
	changeCeilingPct = 999.0

	defaultRefreshInterval = 30 * time.Second
)

type ReferenceOracle interface {
	FetchSimplePrices(ctx context.Context, ids []string, vsCurrency string, includeChange bool) (oracle.ReferenceSet, error)
	FetchReferencePrice(ctx context.Context, id string, vsCurrency string) float64
}

type QuoteOracle interface {
	FetchAssetQuotePrice(ctx context.Context, mint solana.PublicKey) float64
}

// BalanceFunc reports the owner's settlement-asset balance, 0 on failure.
type BalanceFunc func(ctx context.Context, owner solana.PublicKey) float64

type AssetValuation struct {
	Symbol         string  `json:"symbol"`
	Mint           string  `json:"mint"`
	QuotePrice     float64 `json:"quote_price"`
	ReferencePrice float64 `json:"reference_price"`
	Change24h      float64 `json:"change_24h"`
}

// Snapshot is one atomically published valuation of the basket. Immutable once
// built; consumers replace their previous copy wholesale.
type Snapshot struct {
	TotalValue          float64          `json:"total_value"`
	TotalValueReference float64          `json:"total_value_reference"`
	Change24h           float64          `json:"change_24h"`
	ReferencePrice      float64          `json:"reference_price"`
	SettlementBalance   float64          `json:"settlement_balance"`
	Degraded            bool             `json:"degraded"`
	Assets              []AssetValuation `json:"assets"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

type Engine struct {
	generation        basket.Generation
	reference         ReferenceOracle
	quotes            QuoteOracle
	balance           BalanceFunc
	owner             *solana.PublicKey
	settlementAssetID string
	vsCurrency        string
	interval          time.Duration
	logger            *slog.Logger

	mu          sync.RWMutex
	current     *Snapshot
	subscribers map[chan Snapshot]struct{}
}

func NewEngine(
	generation basket.Generation,
	reference ReferenceOracle,
	quotes QuoteOracle,
	balance BalanceFunc,
	owner *solana.PublicKey,
	settlementAssetID string,
	vsCurrency string,
	interval time.Duration,
	logger *slog.Logger,
) *Engine {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if settlementAssetID == "" {
		settlementAssetID = "solana"
	}
	if vsCurrency == "" {
		vsCurrency = "usd"
	}
	return &Engine{
		generation:        generation,
		reference:         reference,
		quotes:            quotes,
		balance:           balance,
		owner:             owner,
		settlementAssetID: settlementAssetID,
		vsCurrency:        vsCurrency,
		interval:          interval,
		logger:            logger,
		subscribers:       make(map[chan Snapshot]struct{}),
	}
}

// Refresh runs every fetch the snapshot needs, joins them, and publishes the
// result wholesale. A slow fetch delays the whole snapshot; there is no
// partial publication.
func (e *Engine) Refresh(ctx context.Context) (Snapshot, error) {
	assets := e.generation.Assets

	var (
		wg          sync.WaitGroup
		refPrice    float64
		refSet      oracle.ReferenceSet
		balance     float64
		quotePrices = make([]float64, len(assets))
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		refPrice = e.reference.FetchReferencePrice(ctx, e.settlementAssetID, e.vsCurrency)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		set, err := e.reference.FetchSimplePrices(ctx, e.generation.CoinGeckoIDs(), e.vsCurrency, true)
		if err != nil {
			e.logger.Warn("basket reference fetch failed", "err", err)
			set = oracle.ReferenceSet{Prices: map[string]oracle.AssetReference{}}
		}
		refSet = set
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if e.balance == nil || e.owner == nil {
			return
		}
		balance = e.balance(ctx, *e.owner)
	}()

	for i := range assets {
		i := i
		mint, err := assets[i].MintKey()
		if err != nil {
			e.logger.Warn("asset skipped in valuation", "symbol", assets[i].Symbol, "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			quotePrices[i] = e.quotes.FetchAssetQuotePrice(ctx, mint)
		}()
	}

	wg.Wait()

	snapshot := e.buildSnapshot(assets, quotePrices, refPrice, refSet, balance)
	e.publish(snapshot)
	return snapshot, nil
}

func (e *Engine) buildSnapshot(
	assets []basket.Asset,
	quotePrices []float64,
	refPrice float64,
	refSet oracle.ReferenceSet,
	balance float64,
) Snapshot {
	snapshot := Snapshot{
		ReferencePrice:    refPrice,
		SettlementBalance: balance,
		Degraded:          refSet.Degraded,
		Assets:            make([]AssetValuation, 0, len(assets)),
		UpdatedAt:         time.Now(),
	}

	var changeSum float64
	for i, asset := range assets {
		quote := quotePrices[i]
		if quote < 0 {
			quote = 0
		}

		change := 0.0
		if ref, ok := refSet.Prices[asset.CoinGeckoID]; ok && ref.HasChange {
			change = ref.Change24h
		}
		// A member with no 24h data still counts in the mean's denominator.
		changeSum += change

		snapshot.TotalValue += quote
		snapshot.Assets = append(snapshot.Assets, AssetValuation{
			Symbol:         asset.Symbol,
			Mint:           asset.Mint,
			QuotePrice:     quote,
			ReferencePrice: quote * refPrice,
			Change24h:      change,
		})
	}

	snapshot.TotalValueReference = snapshot.TotalValue * refPrice
	// The clamp applies to the aggregate, not to individual members.
	if len(assets) > 0 {
		snapshot.Change24h = clampChange(changeSum / float64(len(assets)))
	}
	return snapshot
}

// Run refreshes immediately and then on a fixed interval until the context
// ends. Overlapping refreshes are allowed; publication is atomic, so the
// last-to-complete snapshot wins.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("valuation engine started",
		"basket", e.generation.Name,
		"assets", len(e.generation.Assets),
		"interval", e.interval.String(),
	)

	if _, err := e.Refresh(ctx); err != nil {
		e.logger.Error("initial valuation refresh failed", "err", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("valuation engine stopped")
			return nil
		case <-ticker.C:
			if _, err := e.Refresh(ctx); err != nil {
				e.logger.Error("valuation refresh failed", "err", err)
			}
		}
	}
}

// Current returns the last published snapshot, false before the first refresh
// completes.
func (e *Engine) Current() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Snapshot{}, false
	}
	return *e.current, true
}

// Subscribe registers a consumer of published snapshots. Slow consumers miss
// intermediate snapshots instead of blocking publication.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subscribers[ch]; ok {
			delete(e.subscribers, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) publish(snapshot Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.current = &snapshot
	for ch := range e.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Drop the stale one so the latest is always queued.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func clampChange(pct float64) float64 {
	if pct < changeFloorPct {
		return changeFloorPct
	}
	if pct > changeCeilingPct {
		return changeCeilingPct
	}
	return pct
}
