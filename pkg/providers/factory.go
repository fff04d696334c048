package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/chatrelay/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// usageStyle selects how a service is asked to report token usage at the
// end of a streamed completion.
type usageStyle int

const (
	// usageStreamOptions sends stream_options.include_usage.
	usageStreamOptions usageStyle = iota
	// usageAccounting sends usage.include, OpenRouter's accounting switch.
	usageAccounting
)

// endpoint describes one OpenAI-compatible completion service.
type endpoint struct {
	name         string
	apiBase      string
	defaultModel string
	proxy        string
	headers      map[string]string
	usage        usageStyle
}

// requestDefaults fill request fields the caller leaves out.
type requestDefaults struct {
	maxTokens   int
	temperature *float64
}

type providerFactory struct {
	credential func(cfg *config.Config) (credential, error)
	endpoint   func(cfg *config.Config) endpoint
}

var factories = map[string]providerFactory{
	ProviderOpenRouter: {credential: openRouterCredential, endpoint: openRouterEndpoint},
	ProviderOpenAI:     {credential: openAICredential, endpoint: openAIEndpoint},
}

func SupportedProviders() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenRouter
	}
	return NormalizeProviderName(cfg.Agent.Provider)
}

// ValidateProviderConfig checks that exactly one credential is configured
// for the active provider and that a token file, if named, is readable.
func ValidateProviderConfig(cfg *config.Config) error {
	_, _, err := resolveCredential(cfg)
	return err
}

func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	factory, name, err := getFactory(cfg)
	if err != nil {
		return "", false, "", err
	}
	cred, err := factory.credential(cfg)
	if err != nil {
		return name, false, "", nil
	}
	return name, true, cred.mode, nil
}

// CreateProvider builds the completion provider selected by agent.provider.
// Sampling temperature and the completion cap come from the agent section
// and apply whenever a request does not set them itself.
func CreateProvider(cfg *config.Config) (CompletionProvider, error) {
	cred, factory, err := resolveCredential(cfg)
	if err != nil {
		return nil, err
	}
	ep := factory.endpoint(cfg)
	temperature := cfg.Agent.Temperature
	provider, err := newChatCompletionsProvider(ep, cred.strategy(), requestDefaults{
		maxTokens:   cfg.Agent.MaxCompletionTokens,
		temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", ep.name, err)
	}
	return provider, nil
}

// ResolveModel returns the configured model, falling back to the
// provider's default.
func ResolveModel(cfg *config.Config, provider CompletionProvider) string {
	if cfg != nil {
		if model := strings.TrimSpace(cfg.Agent.Model); model != "" {
			return model
		}
	}
	if provider == nil {
		return ""
	}
	return provider.GetDefaultModel()
}

func resolveCredential(cfg *config.Config) (credential, providerFactory, error) {
	if cfg == nil {
		return credential{}, providerFactory{}, fmt.Errorf("config is required")
	}
	factory, _, err := getFactory(cfg)
	if err != nil {
		return credential{}, providerFactory{}, err
	}
	cred, err := factory.credential(cfg)
	if err != nil {
		return credential{}, providerFactory{}, err
	}
	if err := cred.check(); err != nil {
		return credential{}, providerFactory{}, err
	}
	return cred, factory, nil
}

func getFactory(cfg *config.Config) (providerFactory, string, error) {
	name := ActiveProviderName(cfg)
	factory, ok := factories[name]
	if !ok {
		return providerFactory{}, name, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory, name, nil
}

func apiBaseOr(configured, fallback string) string {
	if base := strings.TrimSpace(configured); base != "" {
		return base
	}
	return fallback
}
