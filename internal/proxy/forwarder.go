package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"satgate/pkg/logger"

	"go.uber.org/zap"
)

// strippedHeaders never reach the upstream: they either carry proxy
// credentials and settlement hints or are recomputed by the transport.
var strippedHeaders = []string{
	"Host",
	"Content-Length",
	"Authorization",
	"X-Cashu",
	"Refund-Lnurl",
	"Key-Expiry-Time",
}

// ForwarderConfig holds the upstream connection settings.
type ForwarderConfig struct {
	BaseURL string
	APIKey  string
	// ChatCompletionsAPIVersion, when set, is appended as ?api-version=
	// on chat/completions calls (Azure-style deployments).
	ChatCompletionsAPIVersion string
}

// Forwarder builds and sends upstream requests. The HTTP client has no
// wall-clock timeout: streamed completions stay open as long as the
// upstream keeps talking.
type Forwarder struct {
	cfg        ForwarderConfig
	httpClient *http.Client
}

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Forwarder{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// upstreamURL maps the inbound path onto the upstream, stripping a
// leading v1/ segment so the proxy can face either dialect.
func (f *Forwarder) upstreamURL(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimPrefix(path, "v1/")

	url := f.cfg.BaseURL + "/" + path
	if f.cfg.ChatCompletionsAPIVersion != "" && strings.Contains(path, "chat/completions") {
		url += "?api-version=" + f.cfg.ChatCompletionsAPIVersion
	}
	return url
}

// SanitizeHeaders copies the inbound headers minus everything in the
// stripped list, then injects the upstream credential if configured.
func (f *Forwarder) SanitizeHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, name := range strippedHeaders {
		out.Del(name)
	}
	if f.cfg.APIKey != "" {
		out.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}
	return out
}

// Forward sends the request upstream, streaming body without
// buffering. rewind, when non-nil, supplies a fresh body reader for
// the single retry allowed on a connection-level failure; streamed
// bodies pass nil and are not retried.
func (f *Forwarder) Forward(ctx context.Context, method, path string, header http.Header, body io.Reader, rewind func() io.Reader) (*http.Response, error) {
	url := f.upstreamURL(path)
	sanitized := f.SanitizeHeaders(header)

	resp, err := f.send(ctx, method, url, sanitized, body)
	if err == nil || rewind == nil {
		return resp, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	logger.Warn("Upstream request failed, retrying once",
		zap.String("url", url),
		zap.Error(err))
	return f.send(ctx, method, url, sanitized, rewind())
}

func (f *Forwarder) send(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = header

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// IsTransportError reports whether the failure happened before any
// upstream response arrived, which makes the request refundable in
// full.
func IsTransportError(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}
