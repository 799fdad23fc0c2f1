package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeLnurl wraps a URL in the lnurl1 bech32 encoding, the inverse of
// what the resolver decodes.
func encodeLnurl(t *testing.T, rawURL string) string {
	t.Helper()
	converted, err := bech32.ConvertBits([]byte(rawURL), 8, 5, true)
	require.NoError(t, err)
	encoded, err := bech32.Encode("lnurl", converted)
	require.NoError(t, err)
	return encoded
}

func TestResolveEndpoint_LightningAddress(t *testing.T) {
	got, err := ResolveEndpoint("alice@wallet.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://wallet.example.com/.well-known/lnurlp/alice", got)
}

func TestResolveEndpoint_Bech32RoundTrip(t *testing.T) {
	original := "https://service.example.com/lnurlp/pay"
	got, err := ResolveEndpoint(encodeLnurl(t, original))
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestResolveEndpoint_Invalid(t *testing.T) {
	tests := []string{
		"",
		"not-an-address",
		"@domain.com",
		"user@",
		"user@a@b",
		"lnurl1invalidchecksum",
	}
	for _, destination := range tests {
		t.Run(destination, func(t *testing.T) {
			_, err := ResolveEndpoint(destination)
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}

func TestInvoice_FullFlow(t *testing.T) {
	var mux http.ServeMux
	server := httptest.NewServer(&mux)
	defer server.Close()

	mux.HandleFunc("/lnurlp/pay", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tag":         "payRequest",
			"callback":    server.URL + "/lnurlp/callback",
			"minSendable": 1000,
			"maxSendable": 100_000_000,
		})
	})
	mux.HandleFunc("/lnurlp/callback", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25000", r.URL.Query().Get("amount"))
		json.NewEncoder(w).Encode(map[string]any{"pr": "lnbc250n1fake"})
	})

	r := NewResolver()
	invoice, err := r.Invoice(context.Background(), encodeLnurl(t, server.URL+"/lnurlp/pay"), 25_000)
	require.NoError(t, err)
	assert.Equal(t, "lnbc250n1fake", invoice)
}

func TestInvoice_AmountOutOfBand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tag":         "payRequest",
			"callback":    "http://unused.example.com/cb",
			"minSendable": 10_000,
			"maxSendable": 50_000,
		})
	}))
	defer server.Close()

	r := NewResolver()
	for _, amount := range []int64{5_000, 60_000} {
		_, err := r.Invoice(context.Background(), encodeLnurl(t, server.URL), amount)
		assert.ErrorIs(t, err, ErrAmountOutOfBand, "amount %d", amount)
	}
}

func TestInvoice_ServiceError(t *testing.T) {
	var mux http.ServeMux
	server := httptest.NewServer(&mux)
	defer server.Close()

	mux.HandleFunc("/pay", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tag":         "payRequest",
			"callback":    server.URL + "/cb",
			"minSendable": 1,
			"maxSendable": 1_000_000,
		})
	})
	mux.HandleFunc("/cb", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ERROR", "reason": "route not found"})
	})

	r := NewResolver()
	_, err := r.Invoice(context.Background(), encodeLnurl(t, server.URL+"/pay"), 100)
	require.ErrorIs(t, err, ErrServiceError)
	assert.Contains(t, err.Error(), "route not found")
}

func TestInvoice_NotPayRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tag": "withdrawRequest", "callback": "http://x"})
	}))
	defer server.Close()

	r := NewResolver()
	_, err := r.Invoice(context.Background(), encodeLnurl(t, server.URL), 100)
	assert.ErrorIs(t, err, ErrNotPayRequest)
}

func TestInvoice_CallbackKeepsExistingQuery(t *testing.T) {
	var mux http.ServeMux
	server := httptest.NewServer(&mux)
	defer server.Close()

	mux.HandleFunc("/pay", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tag":         "payRequest",
			"callback":    fmt.Sprintf("%s/cb?session=abc", server.URL),
			"minSendable": 1,
			"maxSendable": 1_000_000,
		})
	})
	mux.HandleFunc("/cb", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("session"))
		assert.Equal(t, "777", r.URL.Query().Get("amount"))
		json.NewEncoder(w).Encode(map[string]any{"pr": "lnbc7770p1fake"})
	})

	r := NewResolver()
	invoice, err := r.Invoice(context.Background(), encodeLnurl(t, server.URL+"/pay"), 777)
	require.NoError(t, err)
	assert.Equal(t, "lnbc7770p1fake", invoice)
}
