package providers

import (
	"strings"

	"github.com/dotsetgreg/chatrelay/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o"
)

func openAICredential(cfg *config.Config) (credential, error) {
	p := cfg.Providers.OpenAI
	return pickCredential("OpenAI", []credential{
		{mode: authModeAPIKey, value: p.APIKey, field: "providers.openai.api_key"},
		{mode: authModeOAuthToken, value: p.OAuthAccessToken, field: "providers.openai.oauth_access_token"},
		{mode: authModeOAuthFile, value: p.OAuthTokenFile, field: "providers.openai.oauth_token_file"},
	})
}

func openAIEndpoint(cfg *config.Config) endpoint {
	p := cfg.Providers.OpenAI
	return endpoint{
		name:         ProviderOpenAI,
		apiBase:      apiBaseOr(p.APIBase, defaultOpenAIAPIBase),
		defaultModel: defaultOpenAIModel,
		proxy:        strings.TrimSpace(p.Proxy),
		headers: map[string]string{
			"OpenAI-Organization": p.Organization,
			"OpenAI-Project":      p.Project,
		},
		usage: usageStreamOptions,
	}
}
