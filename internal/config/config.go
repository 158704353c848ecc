package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	yamlv2 "gopkg.in/yaml.v2"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/folio/internal/providers"
)

// EnvPrefix prefixes environment overrides: FOLIO_SERVER_PORT=9000 sets server.port.
const EnvPrefix = "FOLIO"

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
	logger    *slog.Logger
}

// NewManager creates a new config manager and loads initial config.
// An empty cfgFile searches ./config.yaml and ~/.folio/config.yaml; a
// missing file is not an error.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
		logger:    slog.Default(),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// SetLogger sets the logger used for reload messages.
func (cm *Manager) SetLogger(logger *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = logger
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	if err := setDefaults(cm.v, DefaultConfig()); err != nil {
		return err
	}

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.folio")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(cfgFile != "" && errors.Is(err, os.ErrNotExist)) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf of the default config as its own key so
// that environment overrides apply to nested settings.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := val.(map[string]any); ok {
				walk(key, child)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the file the config was read from, if any.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. Invalid edits are
// logged and the previous config stays in effect.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			cm.mu.RLock()
			logger := cm.logger
			cm.mu.RUnlock()
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	p := c.Processing
	if p.ParallelWorkers < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_workers must be at least 1, got %d", p.ParallelWorkers))
	}
	if p.MaxRetriesPerPage < 0 {
		errs = append(errs, fmt.Errorf("processing.max_retries_per_page must not be negative, got %d", p.MaxRetriesPerPage))
	}
	if p.MaxPageWidth < 0 || p.MaxPageHeight < 0 || p.MinPageDimension < 0 {
		errs = append(errs, errors.New("processing page dimensions must not be negative"))
	}
	if c.OCR.Provider != "" {
		if _, ok := c.OCR.Providers[c.OCR.Provider]; !ok {
			errs = append(errs, fmt.Errorf("ocr.provider %q is not configured under ocr.providers", c.OCR.Provider))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", level)
	}
}

// NewLogger builds the process logger described by the log section.
func (c LogCfg) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in credentials.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		OCRProviders: make(map[string]providers.OCRProviderConfig),
	}

	for name, ocr := range c.OCR.Providers {
		cfg.OCRProviders[name] = providers.OCRProviderConfig{
			Type:        ocr.Type,
			Enabled:     ocr.Enabled,
			AccessKey:   ResolveEnvVars(ocr.AccessKey),
			SecretKey:   ResolveEnvVars(ocr.SecretKey),
			ProjectID:   ResolveEnvVars(ocr.ProjectID),
			Region:      ocr.Region,
			Endpoint:    ocr.Endpoint,
			IAMEndpoint: ocr.IAMEndpoint,
			Options:     ocr.Options,
			Languages:   ocr.Languages,
			RateLimit:   ocr.RateLimit,
			Timeout:     seconds(ocr.TimeoutSeconds),
			MaxRetries:  ocr.MaxRetries,
		}
	}

	return cfg
}

// TimeoutPerPage returns the per-page timeout.
func (p ProcessingCfg) TimeoutPerPage() time.Duration {
	return seconds(p.TimeoutPerPageSeconds)
}

// RetryDelay returns the base retry backoff.
func (p ProcessingCfg) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// MaxRetryDelay returns the backoff cap.
func (p ProcessingCfg) MaxRetryDelay() time.Duration {
	return seconds(p.MaxRetryDelaySeconds)
}

// MaxFileSize returns the upload limit in bytes.
func (p ProcessingCfg) MaxFileSize() int64 {
	return int64(p.MaxFileSizeMB) * 1024 * 1024
}

// Retention returns how long history records are kept.
func (h HistoryCfg) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// CleanupInterval returns how often expired history is purged.
func (h HistoryCfg) CleanupInterval() time.Duration {
	return time.Duration(h.CleanupMinutes) * time.Minute
}

// Timeout returns the enhancement request timeout.
func (e EnhancementCfg) Timeout() time.Duration {
	return seconds(e.TimeoutSeconds)
}

// DownloadTimeout returns the source download timeout.
func (s StorageCfg) DownloadTimeout() time.Duration {
	return seconds(s.DownloadTimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yamlv2.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Folio configuration
# Credentials use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export HUAWEI_ACCESS_KEY=xxx HUAWEI_SECRET_KEY=xxx HUAWEI_PROJECT_ID=xxx
# Any key can be overridden with FOLIO_<SECTION>_<KEY>, e.g. FOLIO_SERVER_PORT=9000

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
