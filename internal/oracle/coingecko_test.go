package oracle

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchSimplePrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("ids") != "bonk,dogwifcoin" {
			t.Errorf("unexpected ids %q", query.Get("ids"))
		}
		if query.Get("vs_currencies") != "usd" {
			t.Errorf("unexpected vs_currencies %q", query.Get("vs_currencies"))
		}
		if query.Get("include_24hr_change") != "true" {
			t.Errorf("expected include_24hr_change=true")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"bonk": {"usd": 0.000021, "usd_24h_change": 5.2},
			"dogwifcoin": {"usd": 1.8}
		}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient(server.URL, time.Second, testLogger())
	set, err := client.FetchSimplePrices(context.Background(), []string{"bonk", "dogwifcoin"}, "usd", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Degraded {
		t.Fatalf("healthy response must not be degraded")
	}

	bonk := set.Prices["bonk"]
	if bonk.Price != 0.000021 || !bonk.HasChange || bonk.Change24h != 5.2 {
		t.Fatalf("bonk reference mismatch: %+v", bonk)
	}

	wif := set.Prices["dogwifcoin"]
	if wif.Price != 1.8 || wif.HasChange {
		t.Fatalf("dogwifcoin must have no 24h change: %+v", wif)
	}
}

func TestFetchSimplePricesRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewCoinGeckoClient(server.URL, time.Second, testLogger())
	set, err := client.FetchSimplePrices(context.Background(), []string{"a", "b", "c"}, "usd", true)
	if err != nil {
		t.Fatalf("rate limit must not surface as error, got: %v", err)
	}
	if !set.Degraded {
		t.Fatalf("rate-limited set must be marked degraded")
	}
	if len(set.Prices) != 3 {
		t.Fatalf("expected placeholder for every id, got %d", len(set.Prices))
	}
	for _, id := range []string{"a", "b", "c"} {
		ref, ok := set.Prices[id]
		if !ok {
			t.Fatalf("missing placeholder for %q", id)
		}
		if ref.Price != 0.01 || ref.Change24h != 0 {
			t.Fatalf("placeholder mismatch for %q: %+v", id, ref)
		}
	}
}

func TestFetchSimplePricesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewCoinGeckoClient(server.URL, time.Second, testLogger())
	if _, err := client.FetchSimplePrices(context.Background(), []string{"bonk"}, "usd", false); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestFetchReferencePriceFailureReturnsZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewCoinGeckoClient(server.URL, time.Second, testLogger())
	if price := client.FetchReferencePrice(context.Background(), "solana", "usd"); price != 0 {
		t.Fatalf("expected 0 on failure, got %v", price)
	}
}
