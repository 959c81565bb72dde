package valuation

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/tonymorony/memedaq/internal/basket"
	"github.com/tonymorony/memedaq/internal/oracle"
)

type fakeReferenceOracle struct {
	refPrice float64
	set      oracle.ReferenceSet
	err      error
}

func (f *fakeReferenceOracle) FetchSimplePrices(context.Context, []string, string, bool) (oracle.ReferenceSet, error) {
	return f.set, f.err
}

func (f *fakeReferenceOracle) FetchReferencePrice(context.Context, string, string) float64 {
	return f.refPrice
}

type fakeQuoteOracle struct {
	prices map[string]float64
}

func (f *fakeQuoteOracle) FetchAssetQuotePrice(_ context.Context, mint solana.PublicKey) float64 {
	return f.prices[mint.String()]
}

func testGeneration(t *testing.T) basket.Generation {
	t.Helper()
	generation, err := basket.Default().Active()
	if err != nil {
		t.Fatalf("load default basket: %v", err)
	}
	if len(generation.Assets) != 5 {
		t.Fatalf("expected 5 basket assets, got %d", len(generation.Assets))
	}
	return generation
}

func newTestEngine(generation basket.Generation, reference ReferenceOracle, quotes QuoteOracle) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(generation, reference, quotes, nil, nil, "solana", "usd", time.Minute, logger)
}

func referenceSetWithChanges(generation basket.Generation, changes []float64) oracle.ReferenceSet {
	set := oracle.ReferenceSet{Prices: make(map[string]oracle.AssetReference)}
	for i, asset := range generation.Assets {
		if i >= len(changes) {
			break
		}
		set.Prices[asset.CoinGeckoID] = oracle.AssetReference{
			Price:     1,
			Change24h: changes[i],
			HasChange: true,
		}
	}
	return set
}

func TestRefreshTotalValue(t *testing.T) {
	generation := testGeneration(t)

	quotes := &fakeQuoteOracle{prices: map[string]float64{}}
	quotePrices := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	for i, asset := range generation.Assets {
		quotes.prices[asset.Mint] = quotePrices[i]
	}

	reference := &fakeReferenceOracle{
		refPrice: 100,
		set:      referenceSetWithChanges(generation, []float64{1, 1, 1, 1, 1}),
	}

	engine := newTestEngine(generation, reference, quotes)
	snapshot, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if math.Abs(snapshot.TotalValue-1.5) > 1e-9 {
		t.Fatalf("total value mismatch: got %v, want 1.5", snapshot.TotalValue)
	}
	if math.Abs(snapshot.TotalValueReference-150) > 1e-6 {
		t.Fatalf("reference value mismatch: got %v, want 150", snapshot.TotalValueReference)
	}
	if len(snapshot.Assets) != 5 {
		t.Fatalf("expected 5 asset valuations, got %d", len(snapshot.Assets))
	}
	if snapshot.Assets[0].ReferencePrice != quotePrices[0]*100 {
		t.Fatalf("asset reference price mismatch: got %v", snapshot.Assets[0].ReferencePrice)
	}
}

func TestRefreshChangeClampAppliesToMean(t *testing.T) {
	generation := testGeneration(t)

	quotes := &fakeQuoteOracle{prices: map[string]float64{}}
	reference := &fakeReferenceOracle{
		refPrice: 100,
		set:      referenceSetWithChanges(generation, []float64{-150, 2000, 10, 10, 10}),
	}

	engine := newTestEngine(generation, reference, quotes)
	snapshot, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Members keep their raw change; only the mean is clamped, and this
	// mean is within bounds.
	wantMean := (-150.0 + 2000 + 10 + 10 + 10) / 5
	if math.Abs(snapshot.Change24h-wantMean) > 1e-9 {
		t.Fatalf("change mismatch: got %v, want %v", snapshot.Change24h, wantMean)
	}
	if snapshot.Assets[1].Change24h != 2000 {
		t.Fatalf("per-asset change must not be clamped: got %v", snapshot.Assets[1].Change24h)
	}
}

func TestRefreshChangeClampBounds(t *testing.T) {
	generation := testGeneration(t)
	quotes := &fakeQuoteOracle{prices: map[string]float64{}}

	engine := newTestEngine(generation, &fakeReferenceOracle{
		set: referenceSetWithChanges(generation, []float64{6000, 6000, 6000, 6000, 6000}),
	}, quotes)
	snapshot, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Change24h != 999 {
		t.Fatalf("ceiling clamp failed: got %v", snapshot.Change24h)
	}

	engine = newTestEngine(generation, &fakeReferenceOracle{
		set: referenceSetWithChanges(generation, []float64{-100, -100, -100, -100, -100}),
	}, quotes)
	snapshot, err = engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Change24h != -99 {
		t.Fatalf("floor clamp failed: got %v", snapshot.Change24h)
	}
}

func TestRefreshMissingChangeCountsAsZero(t *testing.T) {
	generation := testGeneration(t)
	quotes := &fakeQuoteOracle{prices: map[string]float64{}}

	// Four members report +10, the fifth has no 24h data at all.
	set := referenceSetWithChanges(generation, []float64{10, 10, 10, 10})
	reference := &fakeReferenceOracle{set: set}

	engine := newTestEngine(generation, reference, quotes)
	snapshot, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mean over all 5 members: 40/5 = 8, not 40/4 = 10.
	if math.Abs(snapshot.Change24h-8) > 1e-9 {
		t.Fatalf("missing change must contribute 0 to the mean: got %v", snapshot.Change24h)
	}
}

func TestRefreshDegradedFlagPropagates(t *testing.T) {
	generation := testGeneration(t)
	quotes := &fakeQuoteOracle{prices: map[string]float64{}}

	set := referenceSetWithChanges(generation, []float64{0, 0, 0, 0, 0})
	set.Degraded = true
	engine := newTestEngine(generation, &fakeReferenceOracle{set: set}, quotes)

	snapshot, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snapshot.Degraded {
		t.Fatalf("degraded reference data must mark the snapshot degraded")
	}
}

func TestCurrentBeforeAndAfterRefresh(t *testing.T) {
	generation := testGeneration(t)
	engine := newTestEngine(generation, &fakeReferenceOracle{
		set: oracle.ReferenceSet{Prices: map[string]oracle.AssetReference{}},
	}, &fakeQuoteOracle{prices: map[string]float64{}})

	if _, ok := engine.Current(); ok {
		t.Fatalf("no snapshot expected before first refresh")
	}
	if _, err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := engine.Current(); !ok {
		t.Fatalf("snapshot expected after refresh")
	}
}

func TestSubscribeReceivesPublishedSnapshot(t *testing.T) {
	generation := testGeneration(t)
	engine := newTestEngine(generation, &fakeReferenceOracle{
		refPrice: 2,
		set:      oracle.ReferenceSet{Prices: map[string]oracle.AssetReference{}},
	}, &fakeQuoteOracle{prices: map[string]float64{}})

	snapshots, cancel := engine.Subscribe()
	defer cancel()

	if _, err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case snapshot := <-snapshots:
		if snapshot.ReferencePrice != 2 {
			t.Fatalf("subscriber got wrong snapshot: %+v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive snapshot")
	}
}
