package config

import "errors"

var ErrUpstreamBaseURLMissing = errors.New("UPSTREAM_BASE_URL is required")

type ApiConfig struct {
	Server struct {
		Host string `toml:"host" env:"LISTEN_ADDRESS" env-default:"0.0.0.0"`
		Port string `toml:"port" env:"PORT" env-default:"8080"`
	} `toml:"server"`

	Log struct {
		Level  string `toml:"level" env:"LOG_LEVEL" env-default:"info"`
		Format string `toml:"format" env:"LOG_FORMAT" env-default:"json"`
	} `toml:"log"`

	Upstream struct {
		BaseURL string `toml:"base_url" env:"UPSTREAM_BASE_URL"`
		APIKey  string `toml:"api_key" env:"UPSTREAM_API_KEY"`
		// Appended as ?api-version= on chat/completions calls when set.
		ChatCompletionsAPIVersion string `toml:"chat_completions_api_version" env:"CHAT_COMPLETIONS_API_VERSION"`
	} `toml:"upstream"`

	// Tariff values are integer sats as supplied by the operator. They are
	// converted to msat when the pricing engine is built.
	Pricing struct {
		ModelBased       bool    `toml:"model_based" env:"MODEL_BASED_PRICING" env-default:"false"`
		CostPerRequest   int64   `toml:"cost_per_request" env:"COST_PER_REQUEST" env-default:"1"`
		CostPer1kInput   int64   `toml:"cost_per_1k_input_tokens" env:"COST_PER_1K_INPUT_TOKENS" env-default:"0"`
		CostPer1kOutput  int64   `toml:"cost_per_1k_output_tokens" env:"COST_PER_1K_OUTPUT_TOKENS" env-default:"0"`
		ExchangeFee      float64 `toml:"exchange_fee" env:"EXCHANGE_FEE" env-default:"1.005"`
		TolerancePercent float64 `toml:"max_cost_tolerance_percent" env:"MAX_COST_TOLERANCE_PERCENT" env-default:"1"`
		ModelsPath       string  `toml:"models_path" env:"MODELS_PATH" env-default:"models.json"`
	} `toml:"pricing"`

	Wallet struct {
		APIURL string `toml:"api_url" env:"WALLET_API_URL"`
		APIKey string `toml:"api_key" env:"WALLET_API_KEY"`
	} `toml:"wallet"`

	Database struct {
		Host            string `toml:"host" env:"DB_HOST"`
		Port            string `toml:"port" env:"DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"DB_USER"`
		Password        string `toml:"password" env:"DB_PASSWORD"`
		DB              string `toml:"db" env:"DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	// Redis is optional. An empty host disables the cache and the
	// orphaned-refund vault.
	Redis struct {
		Host     string `toml:"host" env:"REDIS_HOST"`
		Port     string `toml:"port" env:"REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Vault struct {
		Secret string `toml:"secret" env:"VAULT_SECRET"`
	} `toml:"vault"`

	// Lnd is optional. An empty host disables expired-key payouts.
	Lnd struct {
		Host                  string `toml:"grpc_host" env:"LND_GRPC_HOST"`
		Port                  string `toml:"grpc_port" env:"LND_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"LND_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"LND_MACAROON_PATH"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"LND_PAYMENT_TIMEOUT_SECONDS" env-default:"60"`
		MaxFeeSats            int64  `toml:"max_fee_sats" env:"LND_MAX_FEE_SATS" env-default:"10"`
	} `toml:"lnd"`

	Sweeper struct {
		IntervalMinutes int `toml:"interval_minutes" env:"SWEEP_INTERVAL_MINUTES" env-default:"60"`
	} `toml:"sweeper"`
}

// Validate checks the settings without which the proxy cannot run at all.
func (c *ApiConfig) Validate() error {
	if c.Upstream.BaseURL == "" {
		return ErrUpstreamBaseURLMissing
	}
	return nil
}
