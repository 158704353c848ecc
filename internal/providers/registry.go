package providers

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Registry holds the configured OCR providers.
// It supports config-driven instantiation and hot-reload.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]OCRProvider
	configs   map[string]OCRProviderConfig
	logger    *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]OCRProvider),
		configs:   make(map[string]OCRProviderConfig),
		logger:    slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// RegisterOCR registers an OCR provider by name.
func (r *Registry) RegisterOCR(name string, provider OCRProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
	delete(r.configs, name)
	if r.logger != nil {
		r.logger.Info("registered OCR provider", "name", name)
	}
}

// UnregisterOCR removes an OCR provider by name.
func (r *Registry) UnregisterOCR(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	delete(r.configs, name)
	if r.logger != nil {
		r.logger.Info("unregistered OCR provider", "name", name)
	}
}

// GetOCR returns an OCR provider by name.
func (r *Registry) GetOCR(name string) (OCRProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("OCR provider not found: %s", name)
	}
	return provider, nil
}

// ListOCR returns all registered OCR provider names, sorted.
func (r *Registry) ListOCR() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// HasOCR checks if an OCR provider is registered.
func (r *Registry) HasOCR(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	OCRProviders map[string]OCRProviderConfig
}

// OCRProviderConfig matches config.OCRProviderCfg with resolved credentials.
type OCRProviderConfig struct {
	Type    string // "huawei", "tesseract", "mock"
	Enabled bool

	// huawei
	AccessKey   string
	SecretKey   string
	ProjectID   string
	Region      string
	Endpoint    string
	IAMEndpoint string
	Options     map[string]any

	// tesseract
	Languages []string

	RateLimit  float64 // Requests per second
	Timeout    time.Duration
	MaxRetries int
}

// usable reports whether the config has what its type needs.
func (c OCRProviderConfig) usable() bool {
	if !c.Enabled {
		return false
	}
	if c.Type == HuaweiOCRName {
		return c.AccessKey != "" && c.SecretKey != "" && c.ProjectID != ""
	}
	return true
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with the credentials their type needs are registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured are unregistered and providers
// with changed settings are recreated.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)

	for name, provCfg := range cfg.OCRProviders {
		if !provCfg.usable() {
			continue
		}

		existingCfg, hasExisting := r.configs[name]
		if hasExisting && !needsOCRUpdate(existingCfg, provCfg) {
			want[name] = true
			continue
		}

		provider, err := createOCRProvider(provCfg)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("skipping OCR provider", "name", name, "type", provCfg.Type, "error", err)
			}
			continue
		}
		want[name] = true
		r.providers[name] = provider
		r.configs[name] = provCfg
		if r.logger != nil {
			if hasExisting {
				r.logger.Info("updated OCR provider", "name", name, "type", provCfg.Type)
			} else {
				r.logger.Info("registered OCR provider", "name", name, "type", provCfg.Type)
			}
		}
	}

	// Remove config-driven providers that are no longer configured.
	// Providers registered directly via RegisterOCR are left alone.
	for name := range r.configs {
		if !want[name] {
			delete(r.providers, name)
			delete(r.configs, name)
			if r.logger != nil {
				r.logger.Info("unregistered OCR provider", "name", name)
			}
		}
	}
}

// createOCRProvider creates an OCR provider based on provider type.
func createOCRProvider(cfg OCRProviderConfig) (OCRProvider, error) {
	switch cfg.Type {
	case HuaweiOCRName:
		return NewHuaweiOCRClient(HuaweiOCRConfig{
			AccessKey:   cfg.AccessKey,
			SecretKey:   cfg.SecretKey,
			ProjectID:   cfg.ProjectID,
			Region:      cfg.Region,
			Endpoint:    cfg.Endpoint,
			IAMEndpoint: cfg.IAMEndpoint,
			Options:     cfg.Options,
			Timeout:     cfg.Timeout,
			RateLimit:   cfg.RateLimit,
			Retries:     cfg.MaxRetries,
		}), nil
	case TesseractName:
		return NewTesseractProvider(TesseractConfig{
			Languages: cfg.Languages,
			RateLimit: cfg.RateLimit,
			Retries:   cfg.MaxRetries,
		})
	case MockOCRName:
		p := NewMockOCRProvider()
		if cfg.RateLimit > 0 {
			p.RPS = cfg.RateLimit
		}
		if cfg.MaxRetries > 0 {
			p.Retries = cfg.MaxRetries
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown OCR provider type: %q", cfg.Type)
	}
}

// needsOCRUpdate checks if a provider needs to be recreated.
func needsOCRUpdate(old, cfg OCRProviderConfig) bool {
	return old.Type != cfg.Type ||
		old.AccessKey != cfg.AccessKey ||
		old.SecretKey != cfg.SecretKey ||
		old.ProjectID != cfg.ProjectID ||
		old.Region != cfg.Region ||
		old.Endpoint != cfg.Endpoint ||
		old.IAMEndpoint != cfg.IAMEndpoint ||
		old.RateLimit != cfg.RateLimit ||
		old.Timeout != cfg.Timeout ||
		old.MaxRetries != cfg.MaxRetries ||
		!slices.Equal(old.Languages, cfg.Languages) ||
		!maps.EqualFunc(old.Options, cfg.Options, func(a, b any) bool { return fmt.Sprint(a) == fmt.Sprint(b) })
}
