package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"satgate/pkg/logger"

	"go.uber.org/zap"
)

// PriceProvider returns the current BTC/USD ask from a single exchange.
type PriceProvider interface {
	GetPrice(ctx context.Context) (float64, error)
	Name() string
}

type kraken struct {
	httpClient *http.Client
	baseURL    string
}

type coinbase struct {
	httpClient *http.Client
	baseURL    string
}

type binance struct {
	httpClient *http.Client
	baseURL    string
}

const (
	krakenBaseURL   = "https://api.kraken.com"
	coinbaseBaseURL = "https://api.coinbase.com"
	binanceBaseURL  = "https://api.binance.com"

	krakenPair = "XXBTZUSD"

	// sourceTimeout bounds each individual exchange fetch. One slow
	// exchange must not hold up the others.
	sourceTimeout = 5 * time.Second
)

type krakenTickerResponse struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		Close []string `json:"c"`
	} `json:"result"`
}

type coinbasePriceResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

type binanceTickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewProvider creates a price provider by name.
// Supported providers: "kraken", "coinbase", "binance"
//
// Parameters:
//   - providerName: Name of the provider (case-insensitive)
//   - baseURL: Base URL for the API (empty string uses production URLs)
//   - httpClient: HTTP client to use (nil creates default with 5s timeout)
//
// Usage:
//   - Production: NewProvider("kraken", "", nil)
//   - Testing: NewProvider("kraken", "http://localhost:8080", testClient)
func NewProvider(providerName string, baseURL string, httpClient *http.Client) (PriceProvider, error) {
	providerName = strings.ToLower(providerName)

	if httpClient == nil {
		httpClient = &http.Client{Timeout: sourceTimeout}
	}

	if baseURL == "" {
		switch providerName {
		case "kraken":
			baseURL = krakenBaseURL
		case "coinbase":
			baseURL = coinbaseBaseURL
		case "binance":
			baseURL = binanceBaseURL
		default:
			return nil, fmt.Errorf("unknown provider: %s (supported: kraken, coinbase, binance)", providerName)
		}
	}

	switch providerName {
	case "kraken":
		return &kraken{httpClient: httpClient, baseURL: baseURL}, nil
	case "coinbase":
		return &coinbase{httpClient: httpClient, baseURL: baseURL}, nil
	case "binance":
		return &binance{httpClient: httpClient, baseURL: baseURL}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: kraken, coinbase, binance)", providerName)
	}
}

// fetchJSON makes an HTTP GET request and decodes the JSON response into target.
// Uses the provided context for cancellation and the HTTP client for timeout.
func fetchJSON(ctx context.Context, client *http.Client, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Failed to fetch price data", zap.String("url", url), zap.Error(err))
		return fmt.Errorf("failed to fetch data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("API returned error", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		logger.Error("Failed to decode JSON response", zap.String("url", url), zap.Error(err))
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

func (k *kraken) Name() string { return "kraken" }

// GetPrice fetches the latest BTC/USD trade price from Kraken.
func (k *kraken) GetPrice(ctx context.Context) (float64, error) {
	apiURL := fmt.Sprintf("%s/0/public/Ticker?pair=XBTUSD", k.baseURL)

	var response krakenTickerResponse
	if err := fetchJSON(ctx, k.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("kraken: %w", err)
	}

	if len(response.Error) > 0 {
		return 0, fmt.Errorf("kraken: API error: %s", strings.Join(response.Error, "; "))
	}

	ticker, ok := response.Result[krakenPair]
	if !ok || len(ticker.Close) == 0 {
		return 0, fmt.Errorf("kraken: pair %s not found in response", krakenPair)
	}

	amount, err := strconv.ParseFloat(ticker.Close[0], 64)
	if err != nil {
		return 0, fmt.Errorf("kraken: invalid price format: %w", err)
	}

	if amount <= 0 {
		return 0, fmt.Errorf("kraken: invalid price value: %f", amount)
	}

	return amount, nil
}

func (c *coinbase) Name() string { return "coinbase" }

// GetPrice fetches the current BTC/USD spot price from Coinbase.
func (c *coinbase) GetPrice(ctx context.Context) (float64, error) {
	apiURL := fmt.Sprintf("%s/v2/prices/BTC-USD/spot", c.baseURL)

	var response coinbasePriceResponse
	if err := fetchJSON(ctx, c.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("coinbase: %w", err)
	}

	amount, err := strconv.ParseFloat(response.Data.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("coinbase: invalid price format: %w", err)
	}

	if amount <= 0 {
		return 0, fmt.Errorf("coinbase: invalid price value: %f", amount)
	}

	return amount, nil
}

func (b *binance) Name() string { return "binance" }

// GetPrice fetches the current BTCUSDT ticker price from Binance.
func (b *binance) GetPrice(ctx context.Context) (float64, error) {
	apiURL := fmt.Sprintf("%s/api/v3/ticker/price?symbol=BTCUSDT", b.baseURL)

	var response binanceTickerResponse
	if err := fetchJSON(ctx, b.httpClient, apiURL, &response); err != nil {
		return 0, fmt.Errorf("binance: %w", err)
	}

	amount, err := strconv.ParseFloat(response.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: invalid price format: %w", err)
	}

	if amount <= 0 {
		return 0, fmt.Errorf("binance: invalid price value: %f", amount)
	}

	return amount, nil
}
