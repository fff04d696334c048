package providers

import (
	"strings"

	"github.com/dotsetgreg/chatrelay/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-4o"
)

func openRouterCredential(cfg *config.Config) (credential, error) {
	return pickCredential("OpenRouter", []credential{
		{mode: authModeAPIKey, value: cfg.Providers.OpenRouter.APIKey, field: "providers.openrouter.api_key"},
	})
}

func openRouterEndpoint(cfg *config.Config) endpoint {
	p := cfg.Providers.OpenRouter
	return endpoint{
		name:         ProviderOpenRouter,
		apiBase:      apiBaseOr(p.APIBase, defaultOpenRouterAPIBase),
		defaultModel: defaultOpenRouterModel,
		proxy:        strings.TrimSpace(p.Proxy),
		// OpenRouter attributes traffic by these optional headers.
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/dotsetgreg/chatrelay",
			"X-Title":      cfg.Agent.BotName,
		},
		usage: usageAccounting,
	}
}
