// api/schemas/llm.go
package schemas

import "context"

// ModelTier selects a model by its speed/capability trade-off.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Cheap, used for summaries and PR prose.
	TierPowerful ModelTier = "powerful" // Used for drafting code changes.
)

// GenerationOptions tunes a single generation call.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	// MaxOutputTokens overrides the model default when positive.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// GenerationRequest is a complete prompt for the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts the model provider.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}
