package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	switch NormalizeProviderName(providerName) {
	case ProviderOpenAI:
		if strings.Contains(lower, "missing scopes: model.request") ||
			strings.Contains(lower, "insufficient permissions for this operation") {
			return msg + " Hint: OpenAI API calls require model.request access for this key or project."
		}
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key (providers.openai.api_key)."
		}
	case ProviderOpenRouter:
		if strings.Contains(lower, "no endpoints found") || strings.Contains(lower, "is not a valid model id") {
			return msg + " Hint: OpenRouter model ids carry a vendor prefix, e.g. openai/gpt-4o."
		}
	}
	if strings.Contains(lower, "maximum context length") {
		return msg + " Hint: lower tokens.context_windows for this model or send /reset."
	}

	return msg
}
