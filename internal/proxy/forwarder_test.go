package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboundHeaders() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-client-secret")
	h.Set("X-Cashu", "cashuAtoken")
	h.Set("Refund-Lnurl", "user@wallet.example.com")
	h.Set("Key-Expiry-Time", "1700000000")
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	return h
}

func TestSanitizeHeaders_StripsSensitive(t *testing.T) {
	f := NewForwarder(ForwarderConfig{BaseURL: "http://upstream"})

	out := f.SanitizeHeaders(inboundHeaders())

	for _, name := range []string{"Authorization", "X-Cashu", "Refund-Lnurl", "Key-Expiry-Time", "Host", "Content-Length"} {
		assert.Empty(t, out.Get(name), "%s must not reach the upstream", name)
	}
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Equal(t, "text/event-stream", out.Get("Accept"))

	// The inbound header map is untouched.
	assert.Equal(t, "cashuAtoken", inboundHeaders().Get("X-Cashu"))
}

func TestSanitizeHeaders_InjectsUpstreamKey(t *testing.T) {
	f := NewForwarder(ForwarderConfig{BaseURL: "http://upstream", APIKey: "upstream-key"})

	out := f.SanitizeHeaders(inboundHeaders())
	assert.Equal(t, "Bearer upstream-key", out.Get("Authorization"))
}

func TestUpstreamURL(t *testing.T) {
	tests := []struct {
		name       string
		apiVersion string
		path       string
		want       string
	}{
		{"v1 stripped", "", "/v1/chat/completions", "http://up/chat/completions"},
		{"bare path kept", "", "/chat/completions", "http://up/chat/completions"},
		{"other endpoint", "", "/v1/embeddings", "http://up/embeddings"},
		{"api version injected", "2024-02-01", "/v1/chat/completions", "http://up/chat/completions?api-version=2024-02-01"},
		{"api version only for chat", "2024-02-01", "/v1/embeddings", "http://up/embeddings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewForwarder(ForwarderConfig{BaseURL: "http://up/", ChatCompletionsAPIVersion: tt.apiVersion})
			assert.Equal(t, tt.want, f.upstreamURL(tt.path))
		})
	}
}

func TestForward_SendsSanitizedRequest(t *testing.T) {
	var seen http.Header
	var seenBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	f := NewForwarder(ForwarderConfig{BaseURL: server.URL, APIKey: "up-key"})
	body := strings.NewReader(`{"model":"m"}`)

	resp, err := f.Forward(context.Background(), http.MethodPost, "/v1/chat/completions", inboundHeaders(), body, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer up-key", seen.Get("Authorization"))
	assert.Empty(t, seen.Get("X-Cashu"))
	assert.Equal(t, `{"model":"m"}`, string(seenBody))
}

func TestForward_RetriesOnceWithRewind(t *testing.T) {
	var calls atomic.Int32
	var last []byte

	// First connection dies before a response; second succeeds.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		last, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := NewForwarder(ForwarderConfig{BaseURL: server.URL})
	payload := []byte(`{"model":"retry"}`)
	rewind := func() io.Reader { return bytes.NewReader(payload) }

	resp, err := f.Forward(context.Background(), http.MethodPost, "/v1/chat/completions", http.Header{}, bytes.NewReader(payload), rewind)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, payload, last, "retry replays the full body")
}

func TestForward_NoRetryWithoutRewind(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer server.Close()

	f := NewForwarder(ForwarderConfig{BaseURL: server.URL})

	_, err := f.Forward(context.Background(), http.MethodPost, "/x", http.Header{}, strings.NewReader("stream"), nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
