// Package cmd provides the strata command line interface. Every
// subcommand drives the same runtime operation surface the library
// exposes.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adalundhe/strata/core/archival"
	"github.com/adalundhe/strata/core/config"
	"github.com/adalundhe/strata/core/conversation"
	"github.com/adalundhe/strata/core/providers"
	"github.com/adalundhe/strata/core/runtime"
)

// =============================================================================
// Global Flags
// =============================================================================

var (
	flagConfigPath string
	flagStorePath  string
	flagLogLevel   string
	flagLogJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - a persistent agent runtime",
	Long: `Strata manages stateful agents: named memory blocks, foldered
archival memory with similarity search, portable Agent File
export/import, resumable conversations, and cloud sync.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file (default: layered user + project files)")
	rootCmd.PersistentFlags().StringVar(&flagStorePath, "db", "", "storage directory (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")
}

// =============================================================================
// Runtime Wiring
// =============================================================================

// loadConfig resolves the layered configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	var manager *config.Manager
	if flagConfigPath != "" {
		manager = config.NewManager(flagConfigPath)
	} else {
		manager = config.NewManager()
	}
	if err := manager.Load(); err != nil {
		return nil, err
	}
	return manager.Get(), nil
}

// newRuntime builds a runtime from the resolved configuration. The
// caller must Close it.
func newRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	rt := runtime.New(runtime.Config{
		Providers: registry,
		Embedder:  archival.NewHashEmbedder(cfg.Archival.EmbeddingDimension),
		Conversation: conversation.Config{
			MaxMessages:      cfg.Conversation.MaxMessages,
			MaxSteps:         cfg.Conversation.MaxSteps,
			MaxContextTokens: cfg.Conversation.MaxContextTokens,
			SummarizeRatio:   cfg.Conversation.SummarizeRatio,
			Logger:           logger,
		},
		Logger: logger,
	})

	storePath := flagStorePath
	if storePath == "" {
		storePath = cfg.Storage.Path
	}
	if err := rt.InitStorage(cmd.Context(), storePath); err != nil {
		return nil, err
	}
	return rt, nil
}

func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	if err := registry.RegisterScripted(); err != nil {
		return nil, err
	}

	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		err := registry.RegisterAnthropic(providers.AnthropicConfig{
			BaseConfig: providers.BaseConfig{
				APIKey:      key,
				Model:       cfg.Providers.Anthropic.Model,
				Temperature: cfg.Providers.Temperature,
				Timeout:     cfg.Providers.Timeout,
				MaxRetries:  cfg.Providers.MaxRetries,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		err := registry.RegisterOpenAI(providers.OpenAIConfig{
			BaseConfig: providers.BaseConfig{
				APIKey:      key,
				Model:       cfg.Providers.OpenAI.Model,
				Temperature: cfg.Providers.Temperature,
				Timeout:     cfg.Providers.Timeout,
				MaxRetries:  cfg.Providers.MaxRetries,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Providers.Default != "" {
		if err := registry.SetDefault(providers.ProviderType(cfg.Providers.Default)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	useJSON := cfg.Logging.JSON || flagLogJSON

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if useJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openAgent resolves an agent id to a live handle.
func openAgent(cmd *cobra.Command, rt *runtime.Runtime, agentID string) (runtime.Handle, error) {
	handle, err := rt.OpenAgent(cmd.Context(), agentID)
	if err != nil {
		return runtime.NilHandle, fmt.Errorf("open agent %s: %w", agentID, err)
	}
	return handle, nil
}
