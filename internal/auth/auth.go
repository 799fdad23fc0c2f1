package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// Custom errors for credential classification
var (
	ErrUnauthorized  = errors.New("no credential presented")
	ErrMissingAPIKey = errors.New("empty API key")
)

// Rail is the payment path a request settles on.
type Rail int

const (
	// RailCashu settles against a single-use bearer token attached to
	// the request; change comes back as a fresh token.
	RailCashu Rail = iota
	// RailAccount settles against a persisted server-side balance
	// addressed by the hash of a long-lived sk- key.
	RailAccount
)

func (r Rail) String() string {
	switch r {
	case RailAccount:
		return "account"
	default:
		return "cashu"
	}
}

// accountKeyPrefix marks a bearer value as a persistent API key rather
// than an ecash token.
const accountKeyPrefix = "sk-"

// Credential is the classified authorization material of one request.
// Exactly one of Token and HashedKey is set, matching the rail.
type Credential struct {
	Rail      Rail
	Token     string // serialised Cashu token (cashu rail)
	HashedKey string // SHA-256 hex of the key after prefix strip (account rail)
}

// HashKey derives the storage key for an API key. The raw key never
// touches the database or the logs.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Classify resolves the request's authorization material onto a rail:
//
//  1. X-Cashu header → cashu rail, token is the header value.
//  2. Bearer sk-… → account rail, key hashed after the prefix strip.
//  3. Bearer anything else → cashu rail, the value is treated as a token.
//  4. Nothing presented → ErrUnauthorized.
//
// A bearer value that is empty after trimming fails with ErrMissingAPIKey.
func Classify(h http.Header) (Credential, error) {
	if token := strings.TrimSpace(h.Get("X-Cashu")); token != "" {
		return Credential{Rail: RailCashu, Token: token}, nil
	}

	authz := strings.TrimSpace(h.Get("Authorization"))
	if authz == "" {
		return Credential{}, ErrUnauthorized
	}

	scheme, value, found := strings.Cut(authz, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return Credential{}, ErrUnauthorized
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return Credential{}, ErrMissingAPIKey
	}

	if strings.HasPrefix(value, accountKeyPrefix) {
		key := strings.TrimPrefix(value, accountKeyPrefix)
		if key == "" {
			return Credential{}, ErrMissingAPIKey
		}
		return Credential{Rail: RailAccount, HashedKey: HashKey(key)}, nil
	}

	return Credential{Rail: RailCashu, Token: value}, nil
}
