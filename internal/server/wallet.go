package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"satgate/internal/auth"
	"satgate/internal/database"
	"satgate/internal/proxy"
	"satgate/internal/wallet"
	"satgate/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenWallet is the ecash surface of the wallet routes: redeem topup
// tokens, mint refund tokens. Implemented by wallet.Client.
type TokenWallet interface {
	Receive(ctx context.Context, token string) (int64, wallet.Unit, string, error)
	Send(ctx context.Context, amount int64, unit wallet.Unit, mintURL string) (string, error)
}

// walletHandler serves the account lifecycle: inspect, deposit, and
// cash out a persistent balance.
type walletHandler struct {
	accounts WalletAccounts
	wallet   TokenWallet
}

// accountKey classifies the request and requires the account rail.
func (h *walletHandler) accountKey(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	cred, err := auth.Classify(r.Header)
	if err != nil || cred.Rail != auth.RailAccount {
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusUnauthorized, "invalid_api_key", "wallet routes require a Bearer sk- key"))
		return "", false
	}
	return cred.HashedKey, true
}

// handleInfo returns the account state behind the presented key.
func (h *walletHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	hashedKey, ok := h.accountKey(w, r, requestID)
	if !ok {
		return
	}

	account, err := h.accounts.GetByHashedKey(r.Context(), hashedKey)
	if err != nil {
		if errors.Is(err, database.ErrAccountNotFound) {
			proxy.WriteError(w, requestID,
				proxy.NewError(http.StatusUnauthorized, "invalid_api_key", "unknown API key"))
			return
		}
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusInternalServerError, "internal_error", "ledger unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance_msat":     account.BalanceMsat,
		"total_spent_msat": account.TotalSpentMsat,
		"total_requests":   account.TotalRequests,
		"refund_address":   account.RefundAddress,
		"key_expiry_time":  account.KeyExpiryTime,
	})
}

// handleTopup redeems a Cashu token and credits the account, creating
// the row on first deposit.
func (h *walletHandler) handleTopup(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	hashedKey, ok := h.accountKey(w, r, requestID)
	if !ok {
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("cashu_token"))
	if token == "" {
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusBadRequest, "missing_token", "cashu_token query parameter is required"))
		return
	}

	amount, unit, _, err := h.wallet.Receive(r.Context(), token)
	if err != nil {
		proxy.WriteError(w, requestID, classifyRedeem(err))
		return
	}
	creditedMsat := unit.ToMsat(amount)

	account, err := h.accounts.Credit(r.Context(), hashedKey, creditedMsat)
	if err != nil {
		// The token is redeemed but the credit failed. This needs an
		// operator; log loudly rather than pretend nothing happened.
		logger.Error("Redeemed topup token but failed to credit account",
			zap.String("hashed_key", logger.Redact(hashedKey)),
			zap.Int64("amount_msat", creditedMsat),
			zap.Error(err))
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusInternalServerError, "internal_error", "failed to credit account"))
		return
	}

	logger.Info("Account topped up",
		zap.String("hashed_key", logger.Redact(hashedKey)),
		zap.Int64("credited_msat", creditedMsat))
	writeJSON(w, http.StatusOK, map[string]any{
		"credited_msat": creditedMsat,
		"balance_msat":  account.BalanceMsat,
	})
}

// handleRefund cashes out the balance as a sat-denominated Cashu token.
// The sub-sat remainder stays on the account.
func (h *walletHandler) handleRefund(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	hashedKey, ok := h.accountKey(w, r, requestID)
	if !ok {
		return
	}
	ctx := r.Context()

	account, err := h.accounts.GetByHashedKey(ctx, hashedKey)
	if err != nil {
		if errors.Is(err, database.ErrAccountNotFound) {
			proxy.WriteError(w, requestID,
				proxy.NewError(http.StatusUnauthorized, "invalid_api_key", "unknown API key"))
			return
		}
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusInternalServerError, "internal_error", "ledger unavailable"))
		return
	}

	sats := account.BalanceMsat / 1000
	if sats <= 0 {
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusBadRequest, "no_balance", "nothing to refund"))
		return
	}

	drained, err := h.accounts.Drain(ctx, hashedKey)
	if err != nil {
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusInternalServerError, "internal_error", "failed to drain balance"))
		return
	}

	sats = drained / 1000
	remainder := drained - sats*1000
	if remainder > 0 {
		if _, err := h.accounts.Credit(ctx, hashedKey, remainder); err != nil {
			logger.Warn("Failed to return sub-sat remainder",
				zap.String("hashed_key", logger.Redact(hashedKey)),
				zap.Int64("remainder_msat", remainder))
		}
	}

	token, err := h.wallet.Send(ctx, sats, wallet.UnitSat, "")
	if err != nil {
		// Undo the drain so the balance is not lost.
		if _, creditErr := h.accounts.Credit(ctx, hashedKey, sats*1000); creditErr != nil {
			logger.Error("Failed to restore balance after refund mint failure",
				zap.String("hashed_key", logger.Redact(hashedKey)),
				zap.Int64("amount_msat", sats*1000),
				zap.Error(creditErr))
		}
		proxy.WriteError(w, requestID,
			proxy.NewError(http.StatusInternalServerError, "send_token_failed", "failed to mint refund token"))
		return
	}

	logger.Info("Account refunded",
		zap.String("hashed_key", logger.Redact(hashedKey)),
		zap.Int64("refunded_msat", sats*1000))
	writeJSON(w, http.StatusOK, map[string]any{
		"token":         token,
		"refunded_msat": sats * 1000,
	})
}

// classifyRedeem maps wallet redemption failures for the topup route,
// mirroring the proxy's admission mapping.
func classifyRedeem(err error) *proxy.Error {
	switch {
	case errors.Is(err, wallet.ErrAlreadySpent):
		return proxy.NewError(http.StatusBadRequest, "token_already_spent", "cashu token has already been spent")
	case errors.Is(err, wallet.ErrInvalidToken):
		return proxy.NewError(http.StatusBadRequest, "invalid_token", "cashu token could not be redeemed")
	default:
		return proxy.NewError(http.StatusUnprocessableEntity, "mint_error", "mint rejected the token")
	}
}
