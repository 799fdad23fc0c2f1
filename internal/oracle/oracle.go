package oracle

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"satgate/pkg/cache"
	"satgate/pkg/logger"

	"go.uber.org/zap"
)

var ErrNoRate = errors.New("no exchange rate available yet")

const (
	// pollInterval is how often the oracle refreshes the BTC/USD ask.
	pollInterval = 10 * time.Second

	// lastRateKey is where the last good ask is kept so a restarted
	// process can price requests before its first successful fetch.
	lastRateKey = "oracle:last_rate"

	satsPerBtc = 100_000_000
)

// Oracle aggregates the BTC/USD spot price across several exchanges.
// It keeps the maximum reported price (ask-side conservative) multiplied
// by the configured exchange fee. Readers are lock-free apart from a
// short RLock.
type Oracle struct {
	providers []PriceProvider
	fee       float64

	mu        sync.RWMutex
	btcUsd    float64
	stale     bool
	fetchedAt time.Time
}

// NewOracle creates an oracle over the given providers. fee is the
// multiplier applied to the winning quote (1.005 = 0.5% margin).
func NewOracle(fee float64, providers ...PriceProvider) *Oracle {
	if fee <= 0 {
		fee = 1.005
	}
	return &Oracle{
		providers: providers,
		fee:       fee,
	}
}

// DefaultProviders returns the production exchange set.
func DefaultProviders() ([]PriceProvider, error) {
	names := []string{"kraken", "coinbase", "binance"}
	providers := make([]PriceProvider, 0, len(names))
	for _, name := range names {
		p, err := NewProvider(name, "", nil)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

type fetchResult struct {
	provider string
	price    float64
	err      error
}

// FetchOnce queries all providers concurrently and stores the highest
// successful quote. Partial failure is tolerated; if every source fails
// the last known rate is kept and flagged stale. An error is returned
// only when all sources fail and no prior rate exists.
func (o *Oracle) FetchOnce(ctx context.Context) error {
	results := make(chan fetchResult, len(o.providers))

	for _, p := range o.providers {
		go func(p PriceProvider) {
			fetchCtx, cancel := context.WithTimeout(ctx, sourceTimeout)
			defer cancel()
			price, err := p.GetPrice(fetchCtx)
			results <- fetchResult{provider: p.Name(), price: price, err: err}
		}(p)
	}

	var best float64
	for range o.providers {
		res := <-results
		if res.err != nil {
			logger.Warn("Exchange fetch failed",
				zap.String("provider", res.provider),
				zap.Error(res.err))
			continue
		}
		if res.price > best {
			best = res.price
		}
	}

	if best == 0 {
		o.mu.Lock()
		hadRate := o.btcUsd > 0
		o.stale = hadRate
		o.mu.Unlock()

		if !hadRate {
			return ErrNoRate
		}
		logger.Warn("All exchange sources failed, serving last known rate")
		return nil
	}

	ask := best * o.fee

	o.mu.Lock()
	o.btcUsd = ask
	o.stale = false
	o.fetchedAt = time.Now().UTC()
	o.mu.Unlock()

	logger.Debug("BTC/USD ask updated", zap.Float64("ask", ask))
	o.persistLastRate(ctx, ask)
	return nil
}

// Run polls the exchanges until the context is cancelled.
func (o *Oracle) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Price oracle stopped")
			return
		case <-ticker.C:
			if err := o.FetchOnce(ctx); err != nil {
				logger.Error("Price fetch failed", zap.Error(err))
			}
		}
	}
}

// BtcUsdAsk returns the fee-adjusted BTC/USD ask.
func (o *Oracle) BtcUsdAsk() (float64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.btcUsd == 0 {
		return 0, ErrNoRate
	}
	return o.btcUsd, nil
}

// SatsUsdAsk returns the USD price of one satoshi.
func (o *Oracle) SatsUsdAsk() (float64, error) {
	btcUsd, err := o.BtcUsdAsk()
	if err != nil {
		return 0, err
	}
	return btcUsd / satsPerBtc, nil
}

// Stale reports whether the current rate predates the last failed poll.
func (o *Oracle) Stale() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stale
}

// SeedFromCache loads the last persisted rate, if any. The seeded value
// is marked stale until the first live fetch succeeds.
func (o *Oracle) SeedFromCache(ctx context.Context) {
	if !cache.Enabled() {
		return
	}
	raw, err := cache.Get(ctx, lastRateKey)
	if err != nil || raw == "" {
		return
	}
	ask, err := strconv.ParseFloat(raw, 64)
	if err != nil || ask <= 0 {
		return
	}

	o.mu.Lock()
	if o.btcUsd == 0 {
		o.btcUsd = ask
		o.stale = true
	}
	o.mu.Unlock()

	logger.Info("Seeded exchange rate from cache", zap.Float64("ask", ask))
}

func (o *Oracle) persistLastRate(ctx context.Context, ask float64) {
	if !cache.Enabled() {
		return
	}
	value := strconv.FormatFloat(ask, 'f', -1, 64)
	if err := cache.Set(ctx, lastRateKey, value, 0); err != nil {
		logger.Warn("Failed to persist exchange rate", zap.Error(err))
	}
}
