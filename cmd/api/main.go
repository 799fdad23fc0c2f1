package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"satgate/config"
	"satgate/internal/catalog"
	"satgate/internal/database"
	"satgate/internal/lnd"
	"satgate/internal/lnurl"
	"satgate/internal/oracle"
	"satgate/internal/payment"
	"satgate/internal/proxy"
	"satgate/internal/server"
	"satgate/internal/sweeper"
	"satgate/internal/vault"
	"satgate/internal/wallet"
	"satgate/pkg/cache"
	"satgate/pkg/logger"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var cfg config.ApiConfig
	if err := config.Load(config.Path(os.Getenv("CONFIG_PATH")), &cfg); err != nil {
		panic(err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- storage ---

	db, err := database.NewDB(database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DB:              cfg.Database.DB,
		SslMode:         cfg.Database.SslMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	accounts := database.NewAccountRepository(db)
	modelsRepo := database.NewModelsRepository(db)
	settings := database.NewSettingsRepository(db)

	// Redis is optional: without it the oracle loses its warm-start rate
	// and the refund vault is disabled.
	if cfg.Redis.Host != "" {
		if err := cache.Init(cache.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer cache.Close()
	}

	// --- external value movers ---

	walletClient, err := wallet.NewClient(wallet.Config{
		APIURL: cfg.Wallet.APIURL,
		APIKey: cfg.Wallet.APIKey,
	})
	if err != nil {
		logger.Fatal("Failed to connect to wallet daemon", zap.Error(err))
	}

	// --- pricing ---

	providers, err := oracle.DefaultProviders()
	if err != nil {
		logger.Fatal("Failed to build price providers", zap.Error(err))
	}
	rates := oracle.NewOracle(cfg.Pricing.ExchangeFee, providers...)
	rates.SeedFromCache(ctx)

	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := rates.FetchOnce(fetchCtx); err != nil {
		logger.Warn("Initial rate fetch failed, pricing starts stale", zap.Error(err))
	}
	cancel()
	go rates.Run(ctx)

	cat := catalog.NewCatalog(rates, modelsRepo)
	if err := cat.LoadFromFile(cfg.Pricing.ModelsPath); err != nil {
		logger.Warn("Models file unavailable, trying persisted catalogue", zap.Error(err))
		if err := cat.LoadFromStore(ctx); err != nil {
			logger.Warn("No model catalogue available, model-based pricing disabled", zap.Error(err))
		}
	}
	if !cat.Empty() {
		if err := cat.RefreshPricing(ctx); err != nil {
			logger.Warn("Initial sats pricing refresh failed", zap.Error(err))
		}
		if err := cat.Persist(ctx); err != nil {
			logger.Warn("Failed to persist catalogue", zap.Error(err))
		}
		go cat.Run(ctx)
	}

	tariff := loadTariff(ctx, &cfg, settings)
	engine := payment.NewEngine(cat, tariff)
	settler := payment.NewSettler(accounts, walletClient)

	// --- proxy surface ---

	refundVault := vault.New(cfg.Vault.Secret)
	forwarder := proxy.NewForwarder(proxy.ForwarderConfig{
		BaseURL:                   cfg.Upstream.BaseURL,
		APIKey:                    cfg.Upstream.APIKey,
		ChatCompletionsAPIVersion: cfg.Upstream.ChatCompletionsAPIVersion,
	})
	proxyHandler := proxy.NewHandler(accounts, walletClient, engine, settler, forwarder, refundVault)

	// --- expired-key payouts ---

	lndCfg := lnd.Config{
		GRPCHost:              cfg.Lnd.Host,
		GRPCPort:              cfg.Lnd.Port,
		TLSCertPath:           cfg.Lnd.TLSCertPath,
		MacaroonPath:          cfg.Lnd.MacaroonPath,
		PaymentTimeoutSeconds: cfg.Lnd.PaymentTimeoutSeconds,
		MaxPaymentFeeSats:     cfg.Lnd.MaxFeeSats,
	}
	if lndCfg.Enabled() {
		lightning, err := lnd.NewClient(lndCfg)
		if err != nil {
			logger.Fatal("Failed to connect to LND", zap.Error(err))
		}
		defer lightning.Close()

		s := sweeper.New(
			sweeper.Config{Interval: time.Duration(cfg.Sweeper.IntervalMinutes) * time.Minute},
			accounts, lnurl.NewResolver(), lightning, cfg.Lnd.MaxFeeSats)
		go s.Run(ctx)
	} else {
		logger.Info("LND not configured, expired-key payouts disabled")
	}

	// --- serve ---

	srv := server.New(server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, cat, accounts, walletClient, proxyHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Server stopped")
}

// loadTariff resolves the operator tariff: the persisted settings
// document wins; absent one, the env-derived values are written back so
// later edits happen in the database.
func loadTariff(ctx context.Context, cfg *config.ApiConfig, settings *database.SettingsRepository) payment.Tariff {
	stored, err := settings.GetPricing(ctx)
	if err == nil {
		logger.Info("Tariff loaded from settings",
			zap.Bool("model_based", stored.ModelBasedPricing),
			zap.Int64("cost_per_request_msat", stored.CostPerRequestMsat))
		return payment.TariffFromSettings(stored)
	}
	seeded := &database.PricingSettings{
		CostPerRequestMsat:  cfg.Pricing.CostPerRequest * 1000,
		CostPer1kInputMsat:  cfg.Pricing.CostPer1kInput * 1000,
		CostPer1kOutputMsat: cfg.Pricing.CostPer1kOutput * 1000,
		ModelBasedPricing:   cfg.Pricing.ModelBased,
		TolerancePercent:    cfg.Pricing.TolerancePercent,
	}
	if errors.Is(err, database.ErrSettingNotFound) {
		if err := settings.SetPricing(ctx, seeded); err != nil {
			logger.Warn("Failed to seed tariff settings", zap.Error(err))
		}
	} else {
		// A stored document may exist but be unreadable right now; do
		// not overwrite it.
		logger.Warn("Failed to read tariff settings, using environment values", zap.Error(err))
	}
	return payment.TariffFromSettings(seeded)
}
