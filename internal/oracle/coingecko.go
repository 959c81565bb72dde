package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// placeholderPrice is substituted per requested id when the upstream throttles
// us. Keeps valuation live through rate-limit windows at the cost of accuracy;
// the Degraded flag lets callers and dashboards tell the difference.
const (
	placeholderPrice = 0.01
	defaultTimeout   = 10 * time.Second
)

type AssetReference struct {
	Price     float64
	Change24h float64
	HasChange bool
}

// ReferenceSet is one fetch's worth of spot prices keyed by provider id.
// Missing entries mean the provider did not know the id; callers treat the
// 24h change of a missing entry as zero.
type ReferenceSet struct {
	Prices   map[string]AssetReference
	Degraded bool
}

type CoinGeckoClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewCoinGeckoClient(baseURL string, timeout time.Duration, logger *slog.Logger) *CoinGeckoClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &CoinGeckoClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FetchSimplePrices hits /simple/price for the given provider ids. A 429 from
// upstream is absorbed: every requested id gets the fixed placeholder and the
// set is marked Degraded instead of failing the caller.
func (c *CoinGeckoClient) FetchSimplePrices(ctx context.Context, ids []string, vsCurrency string, includeChange bool) (ReferenceSet, error) {
	if len(ids) == 0 {
		return ReferenceSet{Prices: map[string]AssetReference{}}, nil
	}
	vsCurrency = strings.ToLower(strings.TrimSpace(vsCurrency))
	if vsCurrency == "" {
		vsCurrency = "usd"
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", vsCurrency)
	if includeChange {
		query.Set("include_24hr_change", "true")
	}
	endpoint := c.baseURL + "/simple/price?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ReferenceSet{}, fmt.Errorf("build simple/price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ReferenceSet{}, fmt.Errorf("fetch simple/price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("price provider rate limited, substituting placeholder prices", "ids", len(ids))
		return placeholderSet(ids), nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ReferenceSet{}, fmt.Errorf("simple/price status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ReferenceSet{}, fmt.Errorf("decode simple/price response: %w", err)
	}

	changeKey := vsCurrency + "_24h_change"
	out := ReferenceSet{Prices: make(map[string]AssetReference, len(payload))}
	for id, fields := range payload {
		ref := AssetReference{Price: fields[vsCurrency]}
		if change, ok := fields[changeKey]; ok {
			ref.Change24h = change
			ref.HasChange = true
		}
		out.Prices[id] = ref
	}
	return out, nil
}

// FetchReferencePrice returns the spot price of a single id in the reference
// currency, 0 on any failure. Callers retry on their own schedule.
func (c *CoinGeckoClient) FetchReferencePrice(ctx context.Context, id string, vsCurrency string) float64 {
	set, err := c.FetchSimplePrices(ctx, []string{id}, vsCurrency, false)
	if err != nil {
		c.logger.Warn("reference price fetch failed", "id", id, "err", err)
		return 0
	}
	return set.Prices[id].Price
}

func placeholderSet(ids []string) ReferenceSet {
	out := ReferenceSet{
		Prices:   make(map[string]AssetReference, len(ids)),
		Degraded: true,
	}
	for _, id := range ids {
		out.Prices[strings.TrimSpace(id)] = AssetReference{
			Price:     placeholderPrice,
			Change24h: 0,
			HasChange: true,
		}
	}
	return out
}
