package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultProviderName       = "openai"
	defaultOpenAIModel        = "llama3"
	defaultOpenAIBaseURL      = "http://localhost:11434/v1"
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultRetryMaxRetries    = 3
	defaultRetryBaseDelay     = "300ms"
	defaultRetryMaxDelay      = "5s"
	defaultPreserveCount      = 4
	defaultAutoCompactPercent = 0.0
	defaultTUITheme           = "dark"
	defaultConfigRelativePath = ".config/loom/config.toml"

	envProviderDefault   = "LOOM_PROVIDER_DEFAULT"
	envOpenAIModel       = "LOOM_OPENAI_MODEL"
	envOpenAIBaseURL     = "LOOM_OPENAI_BASE_URL"
	envOpenAIAPIKey      = "LOOM_OPENAI_API_KEY"
	envAnthropicAPIKey   = "ANTHROPIC_API_KEY"
	envAnthropicModel    = "LOOM_ANTHROPIC_MODEL"
	envAnthropicBaseURL  = "LOOM_ANTHROPIC_BASE_URL"
	envRetryMaxRetries   = "LOOM_RETRY_MAX_RETRIES"
	envRetryBaseDelay    = "LOOM_RETRY_BASE_DELAY"
	envRetryMaxDelay     = "LOOM_RETRY_MAX_DELAY"
	envChatPreserveCount = "LOOM_CHAT_PRESERVE_COUNT"
	envChatAutoCompact   = "LOOM_CHAT_AUTO_COMPACT_PERCENT"
	envChatContextLimit  = "LOOM_CHAT_CONTEXT_LIMIT"
	envChatSystemPrompt  = "LOOM_CHAT_SYSTEM_PROMPT"
	envConversationsDir  = "LOOM_CONVERSATIONS_DIR"
	envTUITheme          = "LOOM_TUI_THEME"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Provider ProviderConfig `toml:"provider"`
	Chat     ChatConfig     `toml:"chat"`
	Store    StoreConfig    `toml:"store"`
	TUI      TUIConfig      `toml:"tui"`
}

// ProviderConfig configures model providers.
type ProviderConfig struct {
	Default   string                  `toml:"default"`
	OpenAI    OpenAIProviderConfig    `toml:"openai"`
	Anthropic AnthropicProviderConfig `toml:"anthropic"`
}

// OpenAIProviderConfig configures an OpenAI-compatible endpoint, typically a
// local server.
type OpenAIProviderConfig struct {
	APIKey  string      `toml:"api_key"`
	Model   string      `toml:"model"`
	BaseURL string      `toml:"base_url"`
	Retry   RetryConfig `toml:"retry"`
}

// AnthropicProviderConfig configures Anthropic-specific runtime values.
type AnthropicProviderConfig struct {
	APIKey  string      `toml:"api_key"`
	Model   string      `toml:"model"`
	BaseURL string      `toml:"base_url"`
	Retry   RetryConfig `toml:"retry"`
}

// RetryConfig stores retry policy as config-friendly values.
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
}

// ChatConfig configures conversation behavior.
type ChatConfig struct {
	// PreserveCount recent messages are never summarized away.
	PreserveCount int `toml:"preserve_count"`
	// AutoCompactPercent triggers summarization at this usage percentage.
	// Zero disables auto-compaction.
	AutoCompactPercent float64 `toml:"auto_compact_percent"`
	// ContextLimit overrides the model-derived context window when positive.
	ContextLimit int    `toml:"context_limit"`
	SystemPrompt string `toml:"system_prompt"`
}

// StoreConfig configures conversation persistence.
type StoreConfig struct {
	// Dir is the conversations directory. Empty means the default under the
	// user home.
	Dir string `toml:"dir"`
}

// TUIConfig configures terminal UI defaults.
type TUIConfig struct {
	Theme string `toml:"theme"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
}

// RetrySettings is the parsed retry policy.
type RetrySettings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ProviderSettings is a validated provider runtime snapshot.
type ProviderSettings struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string
	Retry   RetrySettings
}

// Default returns application defaults.
func Default() Config {
	retry := RetryConfig{
		MaxRetries: defaultRetryMaxRetries,
		BaseDelay:  defaultRetryBaseDelay,
		MaxDelay:   defaultRetryMaxDelay,
	}
	return Config{
		Provider: ProviderConfig{
			Default: defaultProviderName,
			OpenAI: OpenAIProviderConfig{
				Model:   defaultOpenAIModel,
				BaseURL: defaultOpenAIBaseURL,
				Retry:   retry,
			},
			Anthropic: AnthropicProviderConfig{
				Model: defaultAnthropicModel,
				Retry: retry,
			},
		},
		Chat: ChatConfig{
			PreserveCount:      defaultPreserveCount,
			AutoCompactPercent: defaultAutoCompactPercent,
		},
		TUI: TUIConfig{
			Theme: defaultTUITheme,
		},
	}
}

// Load reads config file then applies environment variable overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ActiveProviderSettings returns validated settings for the selected provider.
func (c Config) ActiveProviderSettings() (ProviderSettings, error) {
	name := strings.ToLower(strings.TrimSpace(c.Provider.Default))
	switch name {
	case "openai":
		retry, err := parseRetry("openai", c.Provider.OpenAI.Retry)
		if err != nil {
			return ProviderSettings{}, err
		}
		return ProviderSettings{
			Name:    name,
			APIKey:  strings.TrimSpace(c.Provider.OpenAI.APIKey),
			Model:   strings.TrimSpace(c.Provider.OpenAI.Model),
			BaseURL: strings.TrimSpace(c.Provider.OpenAI.BaseURL),
			Retry:   retry,
		}, nil
	case "anthropic":
		retry, err := parseRetry("anthropic", c.Provider.Anthropic.Retry)
		if err != nil {
			return ProviderSettings{}, err
		}
		return ProviderSettings{
			Name:    name,
			APIKey:  strings.TrimSpace(c.Provider.Anthropic.APIKey),
			Model:   strings.TrimSpace(c.Provider.Anthropic.Model),
			BaseURL: strings.TrimSpace(c.Provider.Anthropic.BaseURL),
			Retry:   retry,
		}, nil
	default:
		return ProviderSettings{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider.Default)
	}
}

// ConversationsDir resolves the persistence directory, defaulting under the
// user home.
func (c Config) ConversationsDir() string {
	if dir := strings.TrimSpace(c.Store.Dir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom/conversations"
	}
	return filepath.Join(home, ".loom", "conversations")
}

func parseRetry(provider string, rc RetryConfig) (RetrySettings, error) {
	baseDelay, err := time.ParseDuration(strings.TrimSpace(rc.BaseDelay))
	if err != nil {
		return RetrySettings{}, fmt.Errorf("%w: parse %s retry base_delay: %v", ErrInvalidConfig, provider, err)
	}
	maxDelay, err := time.ParseDuration(strings.TrimSpace(rc.MaxDelay))
	if err != nil {
		return RetrySettings{}, fmt.Errorf("%w: parse %s retry max_delay: %v", ErrInvalidConfig, provider, err)
	}
	if rc.MaxRetries < 0 {
		return RetrySettings{}, fmt.Errorf("%w: %s retry max_retries must be >= 0", ErrInvalidConfig, provider)
	}
	return RetrySettings{
		MaxRetries: rc.MaxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value, ok := os.LookupEnv(envProviderDefault); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Default = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envOpenAIAPIKey); ok {
		cfg.Provider.OpenAI.APIKey = value
	}
	if value, ok := os.LookupEnv(envOpenAIModel); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.OpenAI.Model = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envOpenAIBaseURL); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.OpenAI.BaseURL = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicAPIKey); ok {
		cfg.Provider.Anthropic.APIKey = value
	}
	if value, ok := os.LookupEnv(envAnthropicModel); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Model = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicBaseURL); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.BaseURL = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envRetryMaxRetries); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envRetryMaxRetries, err)
		}
		cfg.Provider.OpenAI.Retry.MaxRetries = parsed
		cfg.Provider.Anthropic.Retry.MaxRetries = parsed
	}
	if value, ok := os.LookupEnv(envRetryBaseDelay); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.OpenAI.Retry.BaseDelay = strings.TrimSpace(value)
		cfg.Provider.Anthropic.Retry.BaseDelay = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envRetryMaxDelay); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.OpenAI.Retry.MaxDelay = strings.TrimSpace(value)
		cfg.Provider.Anthropic.Retry.MaxDelay = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envChatPreserveCount); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envChatPreserveCount, err)
		}
		cfg.Chat.PreserveCount = parsed
	}
	if value, ok := os.LookupEnv(envChatAutoCompact); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envChatAutoCompact, err)
		}
		cfg.Chat.AutoCompactPercent = parsed
	}
	if value, ok := os.LookupEnv(envChatContextLimit); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envChatContextLimit, err)
		}
		cfg.Chat.ContextLimit = parsed
	}
	if value, ok := os.LookupEnv(envChatSystemPrompt); ok && strings.TrimSpace(value) != "" {
		cfg.Chat.SystemPrompt = value
	}
	if value, ok := os.LookupEnv(envConversationsDir); ok && strings.TrimSpace(value) != "" {
		cfg.Store.Dir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envTUITheme); ok && strings.TrimSpace(value) != "" {
		cfg.TUI.Theme = strings.TrimSpace(value)
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Provider.Default) == "" {
		return fmt.Errorf("%w: provider.default is required", ErrInvalidConfig)
	}
	if cfg.Chat.PreserveCount < 0 {
		return fmt.Errorf("%w: chat.preserve_count must be >= 0", ErrInvalidConfig)
	}
	if cfg.Chat.AutoCompactPercent < 0 || cfg.Chat.AutoCompactPercent > 100 {
		return fmt.Errorf("%w: chat.auto_compact_percent must be within [0,100]", ErrInvalidConfig)
	}
	if cfg.Chat.ContextLimit < 0 {
		return fmt.Errorf("%w: chat.context_limit must be >= 0", ErrInvalidConfig)
	}
	if _, err := cfg.ActiveProviderSettings(); err != nil {
		return err
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRelativePath)
}
