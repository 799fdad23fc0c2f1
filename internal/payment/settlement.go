package payment

import (
	"context"
	"fmt"

	"satgate/internal/wallet"
	"satgate/pkg/logger"

	"go.uber.org/zap"
)

// ProcessingFeeMsat is withheld from Cashu refunds when the upstream
// rejected the request, covering the redeem/mint round-trip.
const ProcessingFeeMsat = 60

// AccountLedger applies settlement mutations to persisted balances.
// Implemented by database.AccountRepository.
type AccountLedger interface {
	Settle(ctx context.Context, hashedKey string, refundMsat, spentMsat int64) error
}

// TokenMinter mints outbound refund tokens. Implemented by
// wallet.Client.
type TokenMinter interface {
	Send(ctx context.Context, amount int64, unit wallet.Unit, mintURL string) (string, error)
}

// PreAuth is the reserve taken before the upstream call. AmountMsat is
// authoritative: for the cashu rail it reflects what redemption
// actually yielded, not what the token claimed.
type PreAuth struct {
	HashedKey string // account rail

	// Cashu rail: the redeemed amount in its original unit and the
	// mint change should be issued from.
	Redeemed int64
	Unit     wallet.Unit
	MintURL  string

	AmountMsat int64
}

// CashuRefund is the change owed on the cashu rail, in the token's
// original unit. The cost is ceiled into whole units so the proxy
// never over-refunds sub-unit remainders.
func CashuRefund(redeemed int64, unit wallet.Unit, finalMsat int64) int64 {
	cost := finalMsat
	if unit == wallet.UnitSat {
		cost = (finalMsat + 999) / 1000
	}
	return redeemed - cost
}

// Settler reconciles the pre-authorised reserve with the final cost on
// either rail. It is the only mutator of account balances.
type Settler struct {
	accounts AccountLedger
	minter   TokenMinter
}

func NewSettler(accounts AccountLedger, minter TokenMinter) *Settler {
	return &Settler{accounts: accounts, minter: minter}
}

// SettleAccount credits the unspent part of the reserve back to the
// balance and records the spend. A final cost above the reserve is
// clamped: the caller is never charged more than was authorised.
func (s *Settler) SettleAccount(ctx context.Context, hashedKey string, preAuthMsat, finalMsat int64) (int64, error) {
	refund := preAuthMsat - finalMsat
	if refund < 0 {
		logger.Warn("Final cost exceeds pre-authorisation, clamping refund",
			zap.Int64("pre_auth_msat", preAuthMsat),
			zap.Int64("final_msat", finalMsat))
		refund = 0
		finalMsat = preAuthMsat
	}

	if err := s.accounts.Settle(ctx, hashedKey, refund, finalMsat); err != nil {
		return 0, fmt.Errorf("failed to settle account: %w", err)
	}
	return refund, nil
}

// RestoreAccount puts the whole reserve back, as if the request never
// happened. Used on the emergency path.
func (s *Settler) RestoreAccount(ctx context.Context, hashedKey string, preAuthMsat int64) error {
	if err := s.accounts.Settle(ctx, hashedKey, preAuthMsat, 0); err != nil {
		return fmt.Errorf("failed to restore account reserve: %w", err)
	}
	return nil
}

// SettleCashu mints the change token for a completed request. An empty
// token with no error means no refund was due.
func (s *Settler) SettleCashu(ctx context.Context, pre PreAuth, finalMsat int64) (string, int64, error) {
	if finalMsat > pre.AmountMsat {
		logger.Warn("Final cost exceeds redeemed amount, keeping full token",
			zap.Int64("pre_auth_msat", pre.AmountMsat),
			zap.Int64("final_msat", finalMsat))
		return "", 0, nil
	}

	refund := CashuRefund(pre.Redeemed, pre.Unit, finalMsat)
	return s.mintRefund(ctx, pre, refund)
}

// SettleCashuError refunds the reserve minus the processing fee after
// the upstream returned a non-2xx status.
func (s *Settler) SettleCashuError(ctx context.Context, pre PreAuth) (string, int64, error) {
	refund := pre.Unit.FromMsat(pre.AmountMsat - ProcessingFeeMsat)
	return s.mintRefund(ctx, pre, refund)
}

// RefundCashu returns the full redeemed amount. Used on the emergency
// path when the upstream response could not be priced at all.
func (s *Settler) RefundCashu(ctx context.Context, pre PreAuth) (string, int64, error) {
	return s.mintRefund(ctx, pre, pre.Redeemed)
}

func (s *Settler) mintRefund(ctx context.Context, pre PreAuth, refund int64) (string, int64, error) {
	if refund <= 0 {
		return "", 0, nil
	}
	token, err := s.minter.Send(ctx, refund, pre.Unit, pre.MintURL)
	if err != nil {
		return "", refund, err
	}
	return token, refund, nil
}
