package database

import (
	"time"
)

// Account is one persisted API-key ledger row. The key itself is never
// stored; rows are addressed by its one-way hash. All monetary columns
// are millisatoshi.
type Account struct {
	HashedKey      string     `json:"hashed_key" db:"hashed_key"`
	BalanceMsat    int64      `json:"balance_msat" db:"balance"`
	RefundAddress  *string    `json:"refund_address,omitempty" db:"refund_address"`   // LNURL or Lightning Address
	KeyExpiryTime  *int64     `json:"key_expiry_time,omitempty" db:"key_expiry_time"` // unix seconds
	TotalSpentMsat int64      `json:"total_spent_msat" db:"total_spent"`
	TotalRequests  int64      `json:"total_requests" db:"total_requests"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Expired reports whether the key's expiry time has passed.
func (a *Account) Expired(now time.Time) bool {
	return a.KeyExpiryTime != nil && *a.KeyExpiryTime > 0 && *a.KeyExpiryTime <= now.Unix()
}

// BalanceSats returns the balance as whole satoshis for display.
func (a *Account) BalanceSats() float64 {
	return float64(a.BalanceMsat) / 1000
}

// PricingSettings is the operator tariff document kept in the settings
// table under the "pricing" id. On first boot it is seeded from the
// environment; afterwards the stored document wins.
type PricingSettings struct {
	CostPerRequestMsat  int64   `json:"cost_per_request_msat"`
	CostPer1kInputMsat  int64   `json:"cost_per_1k_input_msat"`
	CostPer1kOutputMsat int64   `json:"cost_per_1k_output_msat"`
	ModelBasedPricing   bool    `json:"model_based_pricing"`
	TolerancePercent    float64 `json:"tolerance_percent"`
}

// settingsPricingID is the settings row the tariff document lives in.
const settingsPricingID = "pricing"
