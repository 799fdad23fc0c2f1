package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Refund destinations come in as either a Lightning address
// (user@domain) or a bech32-encoded lnurl1 string. Both resolve to an
// LNURL-pay endpoint that hands out bolt11 invoices for a requested
// amount.

var (
	ErrInvalidAddress  = errors.New("invalid lnurl or lightning address")
	ErrNotPayRequest   = errors.New("endpoint is not an lnurl-pay service")
	ErrAmountOutOfBand = errors.New("amount outside the service's sendable range")
	ErrServiceError    = errors.New("lnurl service returned an error")
)

// payRequest is the first LNURL-pay response: where to ask for an
// invoice and the sendable bounds in msat.
type payRequest struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Tag         string `json:"tag"`
}

// callbackResponse carries the invoice, or an LNURL error envelope.
type callbackResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type Resolver struct {
	httpClient *http.Client
}

func NewResolver() *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Invoice resolves the destination and requests a bolt11 invoice for
// amountMsat.
func (r *Resolver) Invoice(ctx context.Context, destination string, amountMsat int64) (string, error) {
	endpoint, err := ResolveEndpoint(destination)
	if err != nil {
		return "", err
	}

	pay, err := r.fetchPayRequest(ctx, endpoint)
	if err != nil {
		return "", err
	}
	if amountMsat < pay.MinSendable || (pay.MaxSendable > 0 && amountMsat > pay.MaxSendable) {
		return "", fmt.Errorf("%w: %d msat not in [%d, %d]",
			ErrAmountOutOfBand, amountMsat, pay.MinSendable, pay.MaxSendable)
	}

	return r.fetchInvoice(ctx, pay.Callback, amountMsat)
}

// ResolveEndpoint turns a Lightning address or lnurl1 string into the
// LNURL-pay URL to query.
func ResolveEndpoint(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	switch {
	case strings.Contains(destination, "@"):
		return addressEndpoint(destination)
	case strings.HasPrefix(strings.ToLower(destination), "lnurl1"):
		return decodeBech32(destination)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, destination)
	}
}

// addressEndpoint maps user@domain onto the well-known LNURL-pay path.
func addressEndpoint(address string) (string, error) {
	user, domain, ok := strings.Cut(address, "@")
	if !ok || user == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return "https://" + domain + "/.well-known/lnurlp/" + user, nil
}

// decodeBech32 unwraps an lnurl1 string into its embedded URL. LNURL
// strings routinely exceed the 90-character bech32 limit.
func decodeBech32(raw string) (string, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != "lnurl" {
		return "", fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, hrp)
	}

	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return string(decoded), nil
}

func (r *Resolver) fetchPayRequest(ctx context.Context, endpoint string) (*payRequest, error) {
	body, err := r.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var pay payRequest
	if err := json.Unmarshal(body, &pay); err != nil {
		return nil, fmt.Errorf("failed to decode lnurl-pay response: %w", err)
	}
	if pay.Tag != "payRequest" || pay.Callback == "" {
		return nil, ErrNotPayRequest
	}
	return &pay, nil
}

func (r *Resolver) fetchInvoice(ctx context.Context, callback string, amountMsat int64) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("invalid lnurl callback: %w", err)
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", amountMsat))
	u.RawQuery = q.Encode()

	body, err := r.get(ctx, u.String())
	if err != nil {
		return "", err
	}

	var resp callbackResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode lnurl callback response: %w", err)
	}
	if strings.EqualFold(resp.Status, "ERROR") {
		return "", fmt.Errorf("%w: %s", ErrServiceError, resp.Reason)
	}
	if resp.PR == "" {
		return "", fmt.Errorf("%w: no invoice in response", ErrServiceError)
	}
	return resp.PR, nil
}

func (r *Resolver) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lnurl request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lnurl request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrServiceError, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
