package payment

import (
	"math"

	"satgate/internal/catalog"
	"satgate/internal/database"

	"github.com/shopspring/decimal"
)

// Catalogue is the subset of the model catalogue the pricing engine
// reads. Lookups hit an immutable snapshot.
type Catalogue interface {
	GetModel(id string) (*catalog.Model, bool)
	Empty() bool
}

// Tariff is the operator pricing policy. All amounts are msat; the
// per-1K values already carry the x1000 sats-to-msat conversion.
type Tariff struct {
	CostPerRequestMsat  int64
	CostPer1kInputMsat  int64
	CostPer1kOutputMsat int64
	ModelBased          bool
	TolerancePercent    float64
}

// TariffFromSettings builds the runtime tariff from the persisted
// document.
func TariffFromSettings(s *database.PricingSettings) Tariff {
	return Tariff{
		CostPerRequestMsat:  s.CostPerRequestMsat,
		CostPer1kInputMsat:  s.CostPer1kInputMsat,
		CostPer1kOutputMsat: s.CostPer1kOutputMsat,
		ModelBased:          s.ModelBasedPricing,
		TolerancePercent:    s.TolerancePercent,
	}
}

// Engine prices requests: the pre-authorised maximum before the
// upstream call and the measured cost after it.
type Engine struct {
	catalogue Catalogue
	tariff    Tariff
}

func NewEngine(catalogue Catalogue, tariff Tariff) *Engine {
	return &Engine{catalogue: catalogue, tariff: tariff}
}

// MaxCostForModel computes the pre-authorisation ceiling in msat.
// Without model-based pricing, an empty catalogue, or an unknown model
// the flat per-request tariff applies. Otherwise the catalogue's
// worst-case sats cost is converted to msat and discounted by the
// tolerance, absorbing rounding noise between quote and final charge.
func (e *Engine) MaxCostForModel(model string) int64 {
	if !e.tariff.ModelBased || e.catalogue == nil || e.catalogue.Empty() || model == "" {
		return e.tariff.CostPerRequestMsat
	}

	m, ok := e.catalogue.GetModel(model)
	if !ok || m.SatsPricing == nil {
		return e.tariff.CostPerRequestMsat
	}

	discount := 1 - e.tariff.TolerancePercent/100
	return int64(math.Floor(m.SatsPricing.MaxCost * 1000 * discount))
}

// Calculate prices the extracted usage. usage may be nil (base-only),
// in which case the pre-authorised maximum is charged flat.
func (e *Engine) Calculate(usage *Usage, maxCostMsat int64) Cost {
	if usage == nil {
		return calculate(nil, decimal.Zero, decimal.Zero, maxCostMsat)
	}

	if !e.tariff.ModelBased {
		per1kIn := decimal.NewFromInt(e.tariff.CostPer1kInputMsat)
		per1kOut := decimal.NewFromInt(e.tariff.CostPer1kOutputMsat)
		return calculate(usage, per1kIn, per1kOut, maxCostMsat)
	}

	m, ok := e.catalogue.GetModel(usage.Model)
	if !ok {
		return costError(CodeModelNotFound, "model "+usage.Model+" not found in catalogue")
	}
	if m.SatsPricing == nil {
		return costError(CodePricingNotFound, "no pricing available for model "+usage.Model)
	}

	per1kIn := msatPer1kFromSats(m.SatsPricing.Prompt)
	per1kOut := msatPer1kFromSats(m.SatsPricing.Completion)
	return calculate(usage, per1kIn, per1kOut, maxCostMsat)
}
