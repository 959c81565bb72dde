package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	// quoteNotionalBaseUnits is deliberately large so that integer outAmount
	// quantization barely moves the derived per-unit price.
	quoteNotionalBaseUnits = 1_000_000_000
	// pricePerBaseUnits normalizes quotes to "settlement asset per 1,000,000
	// base units" so assets with different decimals stay comparable.
	pricePerBaseUnits = 1_000_000

	lamportsPerSol = 1_000_000_000
)

// WrappedSOLMint is the settlement-asset mint used as the quote output side.
var WrappedSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

type JupiterClient struct {
	baseURL     string
	outputMint  solana.PublicKey
	slippageBps int
	client      *http.Client
	logger      *slog.Logger
}

func NewJupiterClient(baseURL string, slippageBps int, timeout time.Duration, logger *slog.Logger) *JupiterClient {
	if slippageBps <= 0 {
		slippageBps = 100
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &JupiterClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		outputMint:  WrappedSOLMint,
		slippageBps: slippageBps,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type quoteResponse struct {
	OutAmount string `json:"outAmount"`
}

// FetchAssetQuotePrice derives a per-unit settlement price for a basket mint
// from an aggregator quote, 0 on any failure. A zero price contributes nothing
// to valuation rather than failing it.
func (c *JupiterClient) FetchAssetQuotePrice(ctx context.Context, mint solana.PublicKey) float64 {
	price, err := c.fetchQuotePrice(ctx, mint)
	if err != nil {
		c.logger.Warn("asset quote fetch failed", "mint", mint, "err", err)
		return 0
	}
	return price
}

func (c *JupiterClient) fetchQuotePrice(ctx context.Context, mint solana.PublicKey) (float64, error) {
	query := url.Values{}
	query.Set("inputMint", mint.String())
	query.Set("outputMint", c.outputMint.String())
	query.Set("amount", strconv.FormatUint(quoteNotionalBaseUnits, 10))
	query.Set("slippageBps", strconv.Itoa(c.slippageBps))
	endpoint := c.baseURL + "/quote?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("quote status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode quote response: %w", err)
	}

	outAmount, err := strconv.ParseFloat(strings.TrimSpace(payload.OutAmount), 64)
	if err != nil {
		return 0, fmt.Errorf("parse outAmount %q: %w", payload.OutAmount, err)
	}
	if outAmount <= 0 {
		return 0, nil
	}

	solAmount := outAmount / lamportsPerSol
	return solAmount / (float64(quoteNotionalBaseUnits) / pricePerBaseUnits), nil
}
