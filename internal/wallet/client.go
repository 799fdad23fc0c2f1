package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"satgate/pkg/logger"

	"go.uber.org/zap"
)

// Custom errors for wallet operations. Redemption failures are
// classified so handlers can map them onto distinct HTTP responses.
var (
	ErrAlreadySpent    = errors.New("token already spent")
	ErrInvalidToken    = errors.New("invalid cashu token")
	ErrMintError       = errors.New("mint error")
	ErrSendTokenFailed = errors.New("failed to mint token")
	ErrNotConfigured   = errors.New("wallet API URL not configured")
)

// sendRetries is how many times Send is attempted before giving up.
// Retries are immediate; minting is idempotent on the wallet side.
const sendRetries = 3

type Config struct {
	APIURL string
	APIKey string
}

// Client talks to the external Cashu wallet daemon. The daemon owns all
// ecash state; this client only moves value in and out.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a wallet client and verifies the daemon is
// reachable by fetching its balance.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, ErrNotConfigured
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	balance, err := c.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reach wallet daemon: %w", err)
	}

	logger.Info("Connected to wallet daemon",
		zap.String("url", c.baseURL),
		zap.Int64("balance", balance))
	return c, nil
}

type receiveRequest struct {
	Token string `json:"token"`
}

type receiveResponse struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
	Mint   string `json:"mint"`
}

type sendRequest struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
	Mint   string `json:"mint,omitempty"`
}

type sendResponse struct {
	Token string `json:"token"`
}

type balanceResponse struct {
	Balance int64  `json:"balance"`
	Unit    string `json:"unit"`
}

type apiError struct {
	Detail string `json:"detail"`
}

// Receive redeems an inbound token. The returned amount and unit come
// from the wallet and supersede whatever the token claimed.
func (c *Client) Receive(ctx context.Context, token string) (int64, Unit, string, error) {
	var resp receiveResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/receive", receiveRequest{Token: token}, &resp)
	if err != nil {
		return 0, UnitSat, "", fmt.Errorf("receive: %w", err)
	}

	unit, err := ParseUnit(resp.Unit)
	if err != nil {
		return 0, UnitSat, "", fmt.Errorf("receive: %w", err)
	}
	if resp.Amount <= 0 {
		return 0, UnitSat, "", fmt.Errorf("receive: %w: wallet reported zero amount", ErrMintError)
	}
	return resp.Amount, unit, resp.Mint, nil
}

// Send mints an outbound token for amount in the given unit, retrying
// up to sendRetries times. mintURL may be empty to use the wallet's
// default mint.
func (c *Client) Send(ctx context.Context, amount int64, unit Unit, mintURL string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("send: amount must be positive, got %d", amount)
	}

	req := sendRequest{Amount: amount, Unit: unit.String(), Mint: mintURL}

	var lastErr error
	for attempt := 1; attempt <= sendRetries; attempt++ {
		var resp sendResponse
		lastErr = c.doJSON(ctx, http.MethodPost, "/v1/send", req, &resp)
		if lastErr == nil {
			if resp.Token == "" {
				lastErr = errors.New("wallet returned empty token")
				continue
			}
			return resp.Token, nil
		}
		logger.Warn("Token mint attempt failed",
			zap.Int("attempt", attempt),
			zap.Int64("amount", amount),
			zap.String("unit", unit.String()),
			zap.Error(lastErr))
	}

	return "", fmt.Errorf("%w: %v", ErrSendTokenFailed, lastErr)
}

// Balance returns the wallet's spendable balance in its native unit.
// Diagnostic only.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var resp balanceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/balance", nil, &resp); err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return resp.Balance, nil
}

// doJSON performs one wallet API call. Non-2xx responses are classified
// into the wallet error taxonomy via classifyError.
func (c *Client) doJSON(ctx context.Context, method, path string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMintError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail apiError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &detail)
		return classifyError(resp.StatusCode, detail.Detail)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to parse wallet response: %w", err)
		}
	}
	return nil
}

// classifyError maps a wallet daemon failure onto the sentinel errors.
func classifyError(status int, detail string) error {
	lower := strings.ToLower(detail)

	switch {
	case strings.Contains(lower, "already spent") || status == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrAlreadySpent, detail)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidToken, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrMintError, status, detail)
	}
}
