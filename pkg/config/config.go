package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	State     StateConfig     `json:"state" yaml:"state"`
	Tokens    TokensConfig    `json:"tokens" yaml:"tokens"`
	Group     GroupConfig     `json:"group" yaml:"group"`
	Digest    DigestConfig    `json:"digest" yaml:"digest"`
	Images    ImagesConfig    `json:"images" yaml:"images"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Provider                 string  `json:"provider" yaml:"provider" env:"CHATRELAY_AGENT_PROVIDER"`
	Model                    string  `json:"model" yaml:"model" env:"CHATRELAY_AGENT_MODEL"`
	SystemPrompt             string  `json:"system_prompt" yaml:"system_prompt" env:"CHATRELAY_AGENT_SYSTEM_PROMPT"`
	BotName                  string  `json:"bot_name" yaml:"bot_name" env:"CHATRELAY_AGENT_BOT_NAME"`
	MaxCompletionTokens      int     `json:"max_completion_tokens" yaml:"max_completion_tokens" env:"CHATRELAY_AGENT_MAX_COMPLETION_TOKENS"`
	Temperature              float64 `json:"temperature" yaml:"temperature" env:"CHATRELAY_AGENT_TEMPERATURE"`
	CompletionTimeoutSeconds int     `json:"completion_timeout_seconds" yaml:"completion_timeout_seconds" env:"CHATRELAY_AGENT_COMPLETION_TIMEOUT_SECONDS"`
	Streaming                bool    `json:"streaming" yaml:"streaming" env:"CHATRELAY_AGENT_STREAMING"`
	ShowUsage                bool    `json:"show_usage" yaml:"show_usage" env:"CHATRELAY_AGENT_SHOW_USAGE"`
	TypingIntervalMS         int     `json:"typing_interval_ms" yaml:"typing_interval_ms" env:"CHATRELAY_AGENT_TYPING_INTERVAL_MS"`
	WorkerIdleSeconds        int     `json:"worker_idle_seconds" yaml:"worker_idle_seconds" env:"CHATRELAY_AGENT_WORKER_IDLE_SECONDS"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" yaml:"token" env:"CHATRELAY_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" yaml:"allow_from" env:"CHATRELAY_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig       `json:"openrouter" yaml:"openrouter"`
	OpenAI     OpenAIProviderConfig `json:"openai" yaml:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" env:"CHATRELAY_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" yaml:"api_base" env:"CHATRELAY_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"CHATRELAY_PROVIDERS_OPENROUTER_PROXY"`
}

type OpenAIProviderConfig struct {
	APIKey           string `json:"api_key" yaml:"api_key" env:"CHATRELAY_PROVIDERS_OPENAI_API_KEY"`
	OAuthAccessToken string `json:"oauth_access_token,omitempty" yaml:"oauth_access_token,omitempty" env:"CHATRELAY_PROVIDERS_OPENAI_OAUTH_ACCESS_TOKEN"`
	OAuthTokenFile   string `json:"oauth_token_file,omitempty" yaml:"oauth_token_file,omitempty" env:"CHATRELAY_PROVIDERS_OPENAI_OAUTH_TOKEN_FILE"`
	APIBase          string `json:"api_base" yaml:"api_base" env:"CHATRELAY_PROVIDERS_OPENAI_API_BASE"`
	Organization     string `json:"organization,omitempty" yaml:"organization,omitempty" env:"CHATRELAY_PROVIDERS_OPENAI_ORGANIZATION"`
	Project          string `json:"project,omitempty" yaml:"project,omitempty" env:"CHATRELAY_PROVIDERS_OPENAI_PROJECT"`
	Proxy            string `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"CHATRELAY_PROVIDERS_OPENAI_PROXY"`
}

// StateConfig selects and configures the conversation store backend.
type StateConfig struct {
	Backend string      `json:"backend" yaml:"backend" env:"CHATRELAY_STATE_BACKEND"`
	Path    string      `json:"path" yaml:"path" env:"CHATRELAY_STATE_PATH"`
	Codec   string      `json:"codec,omitempty" yaml:"codec,omitempty" env:"CHATRELAY_STATE_CODEC"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"CHATRELAY_STATE_REDIS_ADDR"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" env:"CHATRELAY_STATE_REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"CHATRELAY_STATE_REDIS_DB"`
	Prefix   string `json:"prefix" yaml:"prefix" env:"CHATRELAY_STATE_REDIS_PREFIX"`
}

type TokensConfig struct {
	Estimator      string         `json:"estimator" yaml:"estimator" env:"CHATRELAY_TOKENS_ESTIMATOR"`
	DefaultWindow  int            `json:"default_window" yaml:"default_window" env:"CHATRELAY_TOKENS_DEFAULT_WINDOW"`
	ContextWindows map[string]int `json:"context_windows,omitempty" yaml:"context_windows,omitempty"`
	WarnThreshold  int            `json:"warn_threshold" yaml:"warn_threshold" env:"CHATRELAY_TOKENS_WARN_THRESHOLD"`
	WarnThresholds map[string]int `json:"warn_thresholds,omitempty" yaml:"warn_thresholds,omitempty"`
}

type GroupConfig struct {
	RetentionHours  int `json:"retention_hours" yaml:"retention_hours" env:"CHATRELAY_GROUP_RETENTION_HOURS"`
	MaxObservations int `json:"max_observations" yaml:"max_observations" env:"CHATRELAY_GROUP_MAX_OBSERVATIONS"`
}

type DigestConfig struct {
	Schedule string   `json:"schedule" yaml:"schedule" env:"CHATRELAY_DIGEST_SCHEDULE"`
	Chats    []string `json:"chats" yaml:"chats" env:"CHATRELAY_DIGEST_CHATS"`
}

type ImagesConfig struct {
	Replicate ReplicateConfig `json:"replicate" yaml:"replicate"`
}

type ReplicateConfig struct {
	Token          string `json:"token" yaml:"token" env:"CHATRELAY_IMAGES_REPLICATE_TOKEN"`
	ModelVersion   string `json:"model_version" yaml:"model_version" env:"CHATRELAY_IMAGES_REPLICATE_MODEL_VERSION"`
	APIBase        string `json:"api_base" yaml:"api_base" env:"CHATRELAY_IMAGES_REPLICATE_API_BASE"`
	PollIntervalMS int    `json:"poll_interval_ms" yaml:"poll_interval_ms" env:"CHATRELAY_IMAGES_REPLICATE_POLL_INTERVAL_MS"`
	// TimeoutSeconds bounds one /imagine request; zero falls back to
	// agent.completion_timeout_seconds.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds" env:"CHATRELAY_IMAGES_REPLICATE_TIMEOUT_SECONDS"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"CHATRELAY_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"CHATRELAY_GATEWAY_PORT"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level" env:"CHATRELAY_LOGGING_LEVEL"`
	File  string `json:"file,omitempty" yaml:"file,omitempty" env:"CHATRELAY_LOGGING_FILE"`
}

const (
	DefaultSystemPrompt = "You are a helpful chat bot relaying messages in a chat."
	DefaultImageVersion = "328bd9692d29d6781034e3acab8cf3fcb122161e6f5afb896a4ca9fd57090577"
)

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:                 "openrouter",
			Model:                    "openai/gpt-4o",
			SystemPrompt:             DefaultSystemPrompt,
			BotName:                  "chatrelay",
			MaxCompletionTokens:      1000,
			Temperature:              0.7,
			CompletionTimeoutSeconds: 120,
			Streaming:                true,
			ShowUsage:                false,
			TypingIntervalMS:         1000,
			WorkerIdleSeconds:        300,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{},
			OpenAI:     OpenAIProviderConfig{},
		},
		State: StateConfig{
			Backend: "sqlite",
			Path:    "~/.chatrelay/state.db",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "chatrelay:state:",
			},
		},
		Tokens: TokensConfig{
			Estimator:      "auto",
			DefaultWindow:  128000,
			ContextWindows: map[string]int{},
			WarnThreshold:  6000,
			WarnThresholds: map[string]int{},
		},
		Group: GroupConfig{
			RetentionHours:  24,
			MaxObservations: 500,
		},
		Digest: DigestConfig{
			Schedule: "",
			Chats:    []string{},
		},
		Images: ImagesConfig{
			Replicate: ReplicateConfig{
				ModelVersion:   DefaultImageVersion,
				APIBase:        "https://api.replicate.com/v1",
				PollIntervalMS: 1000,
				TimeoutSeconds: 300,
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads defaults, then the file at path (JSON, or YAML for
// .yaml/.yml), then CHATRELAY_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeConfig(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

func decodeConfig(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports configuration errors that make startup impossible.
// Each message names the config key and the environment variable.
func (c *Config) Validate(requireDiscord bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if requireDiscord && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		errs = append(errs, fmt.Errorf("channels.discord.token is required (CHATRELAY_CHANNELS_DISCORD_TOKEN)"))
	}
	if strings.TrimSpace(c.Agent.Model) == "" {
		errs = append(errs, fmt.Errorf("agent.model is required (CHATRELAY_AGENT_MODEL)"))
	}
	if c.Agent.MaxCompletionTokens <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_completion_tokens must be positive (CHATRELAY_AGENT_MAX_COMPLETION_TOKENS)"))
	}

	switch strings.ToLower(strings.TrimSpace(c.State.Backend)) {
	case "memory":
	case "sqlite", "bolt", "badger":
		if strings.TrimSpace(c.State.Path) == "" {
			errs = append(errs, fmt.Errorf("state.path is required for backend %q (CHATRELAY_STATE_PATH)", c.State.Backend))
		}
	case "redis":
		if strings.TrimSpace(c.State.Redis.Addr) == "" {
			errs = append(errs, fmt.Errorf("state.redis.addr is required (CHATRELAY_STATE_REDIS_ADDR)"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend %q is not one of memory, sqlite, bolt, badger, redis (CHATRELAY_STATE_BACKEND)", c.State.Backend))
	}

	switch strings.ToLower(strings.TrimSpace(c.State.Codec)) {
	case "", "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("state.codec %q is not one of json, cbor (CHATRELAY_STATE_CODEC)", c.State.Codec))
	}

	switch strings.ToLower(strings.TrimSpace(c.Tokens.Estimator)) {
	case "", "auto", "tiktoken", "chars":
	default:
		errs = append(errs, fmt.Errorf("tokens.estimator %q is not one of auto, tiktoken, chars (CHATRELAY_TOKENS_ESTIMATOR)", c.Tokens.Estimator))
	}

	if expr := strings.TrimSpace(c.Digest.Schedule); expr != "" {
		gron := gronx.New()
		if !gron.IsValid(expr) {
			errs = append(errs, fmt.Errorf("digest.schedule %q is not a valid cron expression (CHATRELAY_DIGEST_SCHEDULE)", expr))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) StatePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.State.Path)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.OpenRouter.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenRouter.APIBase != "" {
		return c.Providers.OpenRouter.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

// ExpandHome resolves a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
