package vault

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"satgate/internal/crypto"
	"satgate/pkg/cache"
	"satgate/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// orphansKey is the Redis hash holding undelivered refund tokens,
// keyed by deposit id.
const orphansKey = "refund:orphans"

var ErrNotFound = errors.New("vault entry not found")

// Entry is one vaulted refund. The token is stored encrypted and only
// decrypted on claim.
type Entry struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"` // encrypted at rest
	AmountMsat int64     `json:"amount_msat"`
	Unit       string    `json:"unit"`
	MintURL    string    `json:"mint_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// Vault keeps refund tokens that could not be delivered to a
// disconnected client, so an operator can replay them later. Tokens are
// sealed with a key derived from the configured secret before they
// touch Redis.
type Vault struct {
	secret string
}

// New returns a vault, or nil when either Redis or the secret is
// missing. A nil *Vault is safe to use; deposits become log-only.
func New(secret string) *Vault {
	if secret == "" || !cache.Enabled() {
		return nil
	}
	return &Vault{secret: secret}
}

// Store deposits an undeliverable refund token. Deposits are
// best-effort: a failure is logged, never surfaced, because the
// settlement that produced the token has already happened.
func (v *Vault) Store(ctx context.Context, token string, amountMsat int64, unit, mintURL string) {
	if v == nil {
		logger.Warn("Refund vault disabled, dropping orphaned refund token",
			zap.Int64("amount_msat", amountMsat))
		return
	}

	sealed, err := crypto.EncryptWithPassword(token, v.secret)
	if err != nil {
		logger.Error("Failed to seal refund token", zap.Error(err))
		return
	}

	entry := Entry{
		ID:         uuid.New().String(),
		Token:      sealed,
		AmountMsat: amountMsat,
		Unit:       unit,
		MintURL:    mintURL,
		CreatedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		logger.Error("Failed to encode vault entry", zap.Error(err))
		return
	}

	if err := cache.HSet(ctx, orphansKey, entry.ID, raw); err != nil {
		logger.Error("Failed to deposit refund token",
			zap.String("id", entry.ID),
			zap.Int64("amount_msat", amountMsat))
		return
	}
	logger.Info("Orphaned refund token vaulted",
		zap.String("id", entry.ID),
		zap.Int64("amount_msat", amountMsat),
		zap.String("unit", unit))
}

// Pending lists the vaulted deposits without decrypting their tokens.
func (v *Vault) Pending(ctx context.Context) ([]Entry, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := cache.HGetAll(ctx, orphansKey)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for id, payload := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			logger.Warn("Skipping corrupt vault entry", zap.String("id", id), zap.Error(err))
			continue
		}
		entry.Token = "" // sealed tokens stay in the vault until claimed
		entries = append(entries, entry)
	}
	return entries, nil
}

// Claim removes a deposit and returns the decrypted refund token.
func (v *Vault) Claim(ctx context.Context, id string) (Entry, error) {
	if v == nil {
		return Entry{}, ErrNotFound
	}

	payload, err := cache.HGet(ctx, orphansKey, id)
	if err != nil {
		return Entry{}, err
	}
	if payload == "" {
		return Entry{}, ErrNotFound
	}

	var entry Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return Entry{}, err
	}

	token, err := crypto.DecryptWithPassword(entry.Token, v.secret)
	if err != nil {
		return Entry{}, err
	}
	entry.Token = token

	if _, err := cache.HDel(ctx, orphansKey, id); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
