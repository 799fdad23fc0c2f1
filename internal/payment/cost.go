package payment

import (
	"github.com/shopspring/decimal"
)

// Usage is the authoritative token count extracted from an upstream
// response.
type Usage struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// CostKind tags the settlement outcome variants.
type CostKind int

const (
	// CostMeasured is a usage-derived charge.
	CostMeasured CostKind = iota
	// CostMax is the flat pre-authorised charge, used when no usage is
	// available or per-token prices are zero.
	CostMax
	// CostFailed signals a catalogue miss; the request must be refunded
	// in full.
	CostFailed
)

// Cost is the closed set of cost-calculation outcomes. Callers switch
// on Kind; only the fields of the active variant are meaningful.
type Cost struct {
	Kind CostKind

	BaseMsat   int64
	InputMsat  decimal.Decimal
	OutputMsat decimal.Decimal
	TotalMsat  int64

	// CostFailed only.
	Code    string
	Message string
}

func maxCost(totalMsat int64) Cost {
	return Cost{Kind: CostMax, BaseMsat: totalMsat, TotalMsat: totalMsat}
}

func costError(code, message string) Cost {
	return Cost{Kind: CostFailed, Code: code, Message: message}
}

// Error codes carried by CostFailed variants.
const (
	CodeModelNotFound   = "model_not_found"
	CodePricingNotFound = "pricing_not_found"
)

// msatPer1kFromSats converts a per-token sats price into a per-1K-token
// msat price: x1000 tokens, x1000 msat per sat.
func msatPer1kFromSats(perTokenSats float64) decimal.Decimal {
	return decimal.NewFromFloat(perTokenSats).Mul(decimal.NewFromInt(1_000_000))
}

// calculate turns token usage into the final msat charge. Per-side
// amounts are rounded half away from zero to three decimals; the
// authoritative total is the ceiling of their sum.
func calculate(usage *Usage, per1kInputMsat, per1kOutputMsat decimal.Decimal, maxCostMsat int64) Cost {
	if usage == nil {
		return maxCost(maxCostMsat)
	}
	if per1kInputMsat.IsZero() || per1kOutputMsat.IsZero() {
		return maxCost(maxCostMsat)
	}

	thousand := decimal.NewFromInt(1000)
	inputMsat := decimal.NewFromInt(usage.PromptTokens).Div(thousand).Mul(per1kInputMsat).Round(3)
	outputMsat := decimal.NewFromInt(usage.CompletionTokens).Div(thousand).Mul(per1kOutputMsat).Round(3)
	total := inputMsat.Add(outputMsat).Ceil().IntPart()

	return Cost{
		Kind:       CostMeasured,
		InputMsat:  inputMsat,
		OutputMsat: outputMsat,
		TotalMsat:  total,
	}
}
