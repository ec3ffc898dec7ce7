package llm

import (
	"fmt"

	"muse/internal/chat"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// NewAdapter builds the adapter for a backend family. The two families are
// structurally different on the wire: OpenAI streams per-index argument
// fragments that need reassembly, Gemini delivers function calls whole.
// Both are normalized into chat.StreamEvent so nothing downstream ever
// branches on the provider.
func NewAdapter(provider Provider, model, baseURL string) (chat.Adapter, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIAdapter(model, baseURL)
	case ProviderGemini:
		return NewGeminiAdapter(model)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
