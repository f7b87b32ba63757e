package providers

import (
	"fmt"
	"strings"
)

type WireShape string

const (
	ShapeChatCompletions WireShape = "chat_completions"
	ShapeGenerateContent WireShape = "generate_content"
)

const (
	ProviderLaozhang = "laozhang"
	Provider12AI     = "12ai"
	Provider12AIHK   = "12ai-hk"
	Provider12AICDN  = "12ai-cdn"
	ProviderCustom   = "custom"
)

type providerEntry struct {
	baseURL string
	family  string
}

var providerTable = map[string]providerEntry{
	ProviderLaozhang: {baseURL: "https://api.laozhang.ai/v1", family: ProviderLaozhang},
	Provider12AI:     {baseURL: "https://new.12ai.org/v1", family: Provider12AI},
	Provider12AIHK:   {baseURL: "https://hk.12ai.org/v1", family: Provider12AI},
	Provider12AICDN:  {baseURL: "https://cdn.12ai.org/v1", family: Provider12AI},
}

// Endpoint is the resolved upstream target. It is computed once at startup.
type Endpoint struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	BaseURL  string    `json:"base_url"`
	Shape    WireShape `json:"wire_shape"`
}

// ResolveEndpoint maps provider and model onto a base URL and wire shape.
// Unknown providers fall back to 12ai.
func ResolveEndpoint(provider, model, customURL string) (Endpoint, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if model == "" {
		return Endpoint{}, fmt.Errorf("model name is required")
	}

	var entry providerEntry
	if provider == ProviderCustom {
		if customURL == "" {
			return Endpoint{}, fmt.Errorf("provider %q requires CUSTOM_API_URL", ProviderCustom)
		}
		entry = providerEntry{baseURL: customURL, family: ProviderCustom}
	} else {
		var ok bool
		entry, ok = providerTable[provider]
		if !ok {
			provider = Provider12AI
			entry = providerTable[Provider12AI]
		}
	}

	shape := ShapeChatCompletions
	if entry.family == Provider12AI && strings.HasPrefix(model, "gemini-") {
		shape = ShapeGenerateContent
	}

	return Endpoint{
		Provider: provider,
		Model:    model,
		BaseURL:  strings.TrimRight(entry.baseURL, "/"),
		Shape:    shape,
	}, nil
}

// URL is the POST target for the endpoint's wire shape.
func (e Endpoint) URL() string {
	if e.Shape == ShapeGenerateContent {
		return fmt.Sprintf("%s/models/%s:generateContent", e.BaseURL, e.Model)
	}
	return e.BaseURL + "/chat/completions"
}
