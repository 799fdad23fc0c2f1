package catalog

// Pricing holds the dollar-denominated prices of a model as published
// by the upstream provider. Prompt and completion are USD per token.
type Pricing struct {
	Prompt            float64 `json:"prompt"`
	Completion        float64 `json:"completion"`
	Request           float64 `json:"request"`
	Image             float64 `json:"image"`
	WebSearch         float64 `json:"web_search"`
	InternalReasoning float64 `json:"internal_reasoning"`
}

// SatsPricing mirrors Pricing in satoshi, derived from the oracle rate.
// MaxCost is the worst-case price of one request in sats: full context
// of prompt tokens plus the largest allowed completion.
type SatsPricing struct {
	Prompt            float64 `json:"prompt"`
	Completion        float64 `json:"completion"`
	Request           float64 `json:"request"`
	Image             float64 `json:"image"`
	WebSearch         float64 `json:"web_search"`
	InternalReasoning float64 `json:"internal_reasoning"`
	MaxCost           float64 `json:"max_cost"`
}

type TopProvider struct {
	ContextLength       *int64 `json:"context_length"`
	MaxCompletionTokens *int64 `json:"max_completion_tokens"`
	IsModerated         *bool  `json:"is_moderated"`
}

// Model is one catalogue descriptor. Descriptors are immutable after a
// snapshot is published; the refresher replaces whole snapshots.
type Model struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Created       int64        `json:"created,omitempty"`
	Description   string       `json:"description,omitempty"`
	ContextLength int64        `json:"context_length"`
	Pricing       Pricing      `json:"pricing"`
	SatsPricing   *SatsPricing `json:"sats_pricing"`
	TopProvider   *TopProvider `json:"top_provider"`
}

const (
	// fallbackContextTokens is assumed when neither the descriptor nor
	// its top provider declare a context window.
	fallbackContextTokens = 1_048_576

	// fallbackCompletionTokens is assumed when the top provider does not
	// declare a completion limit.
	fallbackCompletionTokens = 32_000
)

// maxTokens resolves the worst-case prompt and completion token counts
// used for the max-cost computation.
func (m *Model) maxTokens() (prompt, completion int64) {
	prompt = fallbackContextTokens
	if m.TopProvider != nil && m.TopProvider.ContextLength != nil && *m.TopProvider.ContextLength > 0 {
		prompt = *m.TopProvider.ContextLength
	} else if m.ContextLength > 0 {
		prompt = m.ContextLength
	}

	completion = fallbackCompletionTokens
	if m.TopProvider != nil && m.TopProvider.MaxCompletionTokens != nil && *m.TopProvider.MaxCompletionTokens > 0 {
		completion = *m.TopProvider.MaxCompletionTokens
	}
	return prompt, completion
}

// satsPricing converts the dollar prices into sats at the given USD
// price of one satoshi and recomputes MaxCost.
func (m *Model) satsPricing(satsUsdAsk float64) *SatsPricing {
	sp := &SatsPricing{
		Prompt:            m.Pricing.Prompt / satsUsdAsk,
		Completion:        m.Pricing.Completion / satsUsdAsk,
		Request:           m.Pricing.Request / satsUsdAsk,
		Image:             m.Pricing.Image / satsUsdAsk,
		WebSearch:         m.Pricing.WebSearch / satsUsdAsk,
		InternalReasoning: m.Pricing.InternalReasoning / satsUsdAsk,
	}

	promptTokens, completionTokens := m.maxTokens()
	sp.MaxCost = float64(promptTokens)*sp.Prompt + float64(completionTokens)*sp.Completion
	return sp
}
