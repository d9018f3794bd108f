package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manager loads layered YAML configuration and holds the current
// snapshot behind an atomic pointer: Get never blocks and never
// observes a half-applied reload.
type Manager struct {
	configPtr unsafe.Pointer
	paths     []string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	fsWatcher *fsnotify.Watcher
	stopWatch chan struct{}
	watchOnce sync.Once
	logger    *slog.Logger
}

type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Archival     ArchivalConfig     `yaml:"archival"`
	Sync         SyncConfig         `yaml:"sync"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type ProvidersConfig struct {
	Default     string          `yaml:"default"`
	Timeout     time.Duration   `yaml:"timeout"`
	MaxRetries  int             `yaml:"max_retries"`
	Temperature float64         `yaml:"temperature"`
	Anthropic   ProviderKeyPair `yaml:"anthropic"`
	OpenAI      ProviderKeyPair `yaml:"openai"`
}

type ProviderKeyPair struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type ConversationConfig struct {
	MaxSteps         int     `yaml:"max_steps"`
	MaxMessages      int     `yaml:"max_messages"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
	SummarizeRatio   float64 `yaml:"summarize_ratio"`
}

type ArchivalConfig struct {
	EmbeddingDimension int `yaml:"embedding_dimension"`
	ResultCacheSize    int `yaml:"result_cache_size"`
}

type SyncConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	APIKey        string   `yaml:"api_key"`
	DeviceID      string   `yaml:"device_id"`
	IntervalSec   int      `yaml:"interval_sec"`
	AutoSync      bool     `yaml:"auto_sync"`
	ExcludeLabels []string `yaml:"exclude_labels"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// NewManager builds a manager over the given config file paths, later
// paths overriding earlier ones. With no paths it uses DefaultPaths.
// The initial snapshot is DefaultConfig until Load is called.
func NewManager(paths ...string) *Manager {
	if len(paths) == 0 {
		paths = DefaultPaths()
	}

	m := &Manager{
		paths:     paths,
		stopWatch: make(chan struct{}),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

// SetLogger replaces the manager's logger. Call before Watch.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// DefaultPaths returns the layered config locations: the user file
// first, the project file last so it wins on conflicts.
func DefaultPaths() []string {
	paths := make([]string, 0, 2)
	if userDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userDir, "strata", "config.yaml"))
	}
	paths = append(paths, "strata.yaml")
	return paths
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		Providers: ProvidersConfig{
			Default:     "scripted",
			Timeout:     2 * time.Minute,
			MaxRetries:  3,
			Temperature: 0.7,
			Anthropic:   ProviderKeyPair{Model: "claude-sonnet-4-5-20250901"},
			OpenAI:      ProviderKeyPair{Model: "gpt-5.2-codex"},
		},
		Conversation: ConversationConfig{
			MaxSteps:         10,
			MaxMessages:      100,
			MaxContextTokens: 8192,
			SummarizeRatio:   0.8,
		},
		Archival: ArchivalConfig{
			EmbeddingDimension: 256,
			ResultCacheSize:    256,
		},
		Sync: SyncConfig{
			Endpoint:    "https://api.letta.ai",
			IntervalSec: 300,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strata"
	}
	return filepath.Join(home, ".strata")
}

// Get returns the current snapshot. The returned value must be treated
// as read-only; a reload swaps in a fresh one.
func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Load reads every layer, merges them over the defaults, applies
// STRATA_* environment overrides, and swaps the snapshot atomically.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	for _, path := range m.paths {
		layer, err := loadYAMLFile(path)
		if err != nil {
			return fmt.Errorf("config layer %s: %w", path, err)
		}
		if layer != nil {
			Merge(cfg, layer)
		}
	}

	m.applyEnvironment(cfg)

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)
	return nil
}

// Reload is Load under a name that reads better at call sites driven
// by file events or signals.
func (m *Manager) Reload() error {
	return m.Load()
}

func loadYAMLFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("STRATA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STRATA_DEFAULT_PROVIDER"); v != "" {
		cfg.Providers.Default = v
	}
	if v := os.Getenv("STRATA_PROVIDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Providers.Timeout = d
		}
	}
	if v := os.Getenv("STRATA_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("STRATA_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("STRATA_MAX_CONTEXT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conversation.MaxContextTokens = n
		}
	}
	if v := os.Getenv("STRATA_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conversation.MaxMessages = n
		}
	}
	if v := os.Getenv("STRATA_SYNC_ENDPOINT"); v != "" {
		cfg.Sync.Endpoint = v
	}
	if v := os.Getenv("STRATA_SYNC_API_KEY"); v != "" {
		cfg.Sync.APIKey = v
	}
	if v := os.Getenv("STRATA_SYNC_DEVICE_ID"); v != "" {
		cfg.Sync.DeviceID = v
	}
	if v := os.Getenv("STRATA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STRATA_LOG_JSON"); v != "" {
		cfg.Logging.JSON = strings.ToLower(v) == "true"
	}
}

// OnChange registers fn to run after every successful Load.
func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// Watch reloads when any existing config layer changes on disk.
// Missing layers are skipped; Close stops the watcher.
func (m *Manager) Watch() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	watched := 0
	for _, path := range m.paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := fsWatcher.Add(path); err != nil {
			fsWatcher.Close()
			return fmt.Errorf("watch %s: %w", path, err)
		}
		watched++
	}
	if watched == 0 {
		fsWatcher.Close()
		return nil
	}

	m.fsWatcher = fsWatcher
	go m.watchLoop(fsWatcher)
	return nil
}

func (m *Manager) watchLoop(fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.Load(); err != nil {
				m.logger.Warn("config reload failed", "path", event.Name, "error", err)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		case <-m.stopWatch:
			return
		}
	}
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	if m.fsWatcher != nil {
		return m.fsWatcher.Close()
	}
	return nil
}
