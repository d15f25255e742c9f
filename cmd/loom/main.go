package main

import (
	"fmt"
	"os"
	"strings"

	"loom/internal/chat"
	"loom/internal/config"
	"loom/internal/llm"
	"loom/internal/store"
	"loom/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const defaultReplyMaxTokens = 2048

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		modelFlag  string
		resumeID   string
		noPersist  bool
	)

	cmd := &cobra.Command{
		Use:   "loom",
		Short: "loom is a branching TUI chat client for local LLM servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(configPath)})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			settings, err := cfg.ActiveProviderSettings()
			if err != nil {
				return fmt.Errorf("resolve provider settings: %w", err)
			}
			if model := strings.TrimSpace(modelFlag); model != "" {
				settings.Model = model
			}

			provider, err := buildProvider(settings)
			if err != nil {
				return fmt.Errorf("build provider: %w", err)
			}

			var st *store.Store
			if !noPersist {
				st, err = store.NewStore(cfg.ConversationsDir())
				if err != nil {
					return fmt.Errorf("open conversation store: %w", err)
				}
			}

			chatCfg := chat.Config{
				Provider:           provider,
				Model:              settings.Model,
				System:             cfg.Chat.SystemPrompt,
				PreserveCount:      cfg.Chat.PreserveCount,
				AutoCompactPercent: cfg.Chat.AutoCompactPercent,
				CustomContextLimit: cfg.Chat.ContextLimit,
				MaxTokens:          defaultReplyMaxTokens,
			}

			var session *chat.Session
			if id := strings.TrimSpace(resumeID); id != "" {
				if st == nil {
					return fmt.Errorf("--resume requires persistence")
				}
				session, err = tui.RestoreSession(cmd.Context(), st, id, chatCfg)
				if err != nil {
					return fmt.Errorf("resume conversation %s: %w", id, err)
				}
			} else {
				session = chat.NewSession(chatCfg)
			}

			app := tui.NewApp(tui.AppConfig{
				Version:   "v0.1.0",
				ThemeName: cfg.TUI.Theme,
				Session:   session,
				Provider:  provider,
				Store:     st,
			})

			program := tea.NewProgram(app, tea.WithAltScreen())
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("run tui: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&modelFlag, "model", "", "Model id, overrides the configured default")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Conversation id to resume")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "Disable conversation persistence")
	return cmd
}

func buildProvider(settings config.ProviderSettings) (llm.Provider, error) {
	retry := llm.RetryPolicy{
		MaxRetries: settings.Retry.MaxRetries,
		BaseDelay:  settings.Retry.BaseDelay,
		MaxDelay:   settings.Retry.MaxDelay,
	}

	switch settings.Name {
	case "openai":
		if strings.TrimSpace(settings.BaseURL) == "" {
			return nil, llm.ErrMissingBaseURL
		}
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  settings.APIKey,
			BaseURL: settings.BaseURL,
			Retry:   retry,
		}), nil
	case "anthropic":
		if strings.TrimSpace(settings.APIKey) == "" {
			return nil, llm.ErrMissingAPIKey
		}
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:  settings.APIKey,
			BaseURL: settings.BaseURL,
			Retry:   retry,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", settings.Name)
	}
}
