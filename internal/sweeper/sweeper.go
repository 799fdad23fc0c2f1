package sweeper

import (
	"context"
	"time"

	"satgate/internal/database"
	"satgate/internal/lnd"
	"satgate/pkg/logger"

	"go.uber.org/zap"
)

// The sweeper pays out the leftover balance of expired API keys to the
// refund address their owner registered, then zeroes the row. Keys
// without a refund address keep their balance until one is set.

// Accounts is the ledger surface the sweeper drains.
type Accounts interface {
	ListExpiredFunded(ctx context.Context, now time.Time) ([]*database.Account, error)
	Drain(ctx context.Context, hashedKey string) (int64, error)
}

// InvoiceResolver turns a refund destination into a bolt11 invoice for
// a given msat amount. Implemented by lnurl.Resolver.
type InvoiceResolver interface {
	Invoice(ctx context.Context, destination string, amountMsat int64) (string, error)
}

type Config struct {
	Interval time.Duration
}

type Sweeper struct {
	cfg       Config
	accounts  Accounts
	resolver  InvoiceResolver
	lightning lnd.LightningClient
	maxFee    int64
}

func New(cfg Config, accounts Accounts, resolver InvoiceResolver, lightning lnd.LightningClient, maxFeeSats int64) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		cfg:       cfg,
		accounts:  accounts,
		resolver:  resolver,
		lightning: lightning,
		maxFee:    maxFeeSats,
	}
}

// Run sweeps on the configured interval until the context is done. One
// pass runs immediately on startup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep pays out every expired funded key once. A failed payout leaves
// the row untouched for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	accounts, err := s.accounts.ListExpiredFunded(ctx, time.Now())
	if err != nil {
		logger.Error("Failed to list expired keys", zap.Error(err))
		return
	}
	if len(accounts) == 0 {
		return
	}
	logger.Info("Sweeping expired keys", zap.Int("count", len(accounts)))

	for _, account := range accounts {
		if err := s.sweepOne(ctx, account); err != nil {
			logger.Warn("Payout failed, leaving balance for next sweep",
				zap.String("hashed_key", logger.Redact(account.HashedKey)),
				zap.Int64("balance_msat", account.BalanceMsat),
				zap.Error(err))
		}
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, account *database.Account) error {
	if account.RefundAddress == nil || *account.RefundAddress == "" {
		logger.Debug("Expired key has no refund address, skipping",
			zap.String("hashed_key", logger.Redact(account.HashedKey)))
		return nil
	}

	invoice, err := s.resolver.Invoice(ctx, *account.RefundAddress, account.BalanceMsat)
	if err != nil {
		return err
	}

	result, err := s.lightning.PayInvoice(ctx, invoice, s.maxFee)
	if err != nil {
		return err
	}

	// Only zero the row after the payment settled.
	drained, err := s.accounts.Drain(ctx, account.HashedKey)
	if err != nil {
		logger.Error("Paid out but failed to drain row, balance may double-pay",
			zap.String("hashed_key", logger.Redact(account.HashedKey)),
			zap.Error(err))
		return err
	}

	logger.Info("Expired key swept",
		zap.String("hashed_key", logger.Redact(account.HashedKey)),
		zap.Int64("drained_msat", drained),
		zap.Int64("fee_sats", result.FeeSats))
	return nil
}
