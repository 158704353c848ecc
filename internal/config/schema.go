package config

// Config holds folio configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Server      ServerCfg      `mapstructure:"server" yaml:"server"`
	Log         LogCfg         `mapstructure:"log" yaml:"log"`
	OCR         OCRCfg         `mapstructure:"ocr" yaml:"ocr"`
	Processing  ProcessingCfg  `mapstructure:"processing" yaml:"processing"`
	History     HistoryCfg     `mapstructure:"history" yaml:"history"`
	Enhancement EnhancementCfg `mapstructure:"enhancement" yaml:"enhancement"`
	Storage     StorageCfg     `mapstructure:"storage" yaml:"storage"`
}

// ServerCfg is the HTTP listener.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
	// MaxUploadMB bounds multipart request bodies.
	MaxUploadMB int `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
}

// LogCfg configures the slog handler.
type LogCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// OCRCfg selects the OCR provider the engine uses.
type OCRCfg struct {
	Provider  string                    `mapstructure:"provider" yaml:"provider"` // key in Providers
	Providers map[string]OCRProviderCfg `mapstructure:"providers" yaml:"providers"`
}

// OCRProviderCfg configures an OCR provider.
type OCRProviderCfg struct {
	Type    string `mapstructure:"type" yaml:"type"` // "huawei", "tesseract", "mock"
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`

	// Credentials support ${ENV_VAR} syntax.
	AccessKey   string         `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey   string         `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	ProjectID   string         `mapstructure:"project_id" yaml:"project_id,omitempty"`
	Region      string         `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint    string         `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	IAMEndpoint string         `mapstructure:"iam_endpoint" yaml:"iam_endpoint,omitempty"`
	Options     map[string]any `mapstructure:"options" yaml:"options,omitempty"`

	Languages []string `mapstructure:"languages" yaml:"languages,omitempty"` // tesseract

	RateLimit      float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second
	TimeoutSeconds int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries" yaml:"max_retries"`
}

// ProcessingCfg is the default per-document policy.
type ProcessingCfg struct {
	ContinueOnError       bool `mapstructure:"continue_on_error" yaml:"continue_on_error"`
	MaxRetriesPerPage     int  `mapstructure:"max_retries_per_page" yaml:"max_retries_per_page"`
	ParallelWorkers       int  `mapstructure:"parallel_workers" yaml:"parallel_workers"`
	TimeoutPerPageSeconds int  `mapstructure:"timeout_per_page_seconds" yaml:"timeout_per_page_seconds"`
	RetryDelayMs          int  `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`
	MaxRetryDelaySeconds  int  `mapstructure:"max_retry_delay_seconds" yaml:"max_retry_delay_seconds"`
	MinPageDimension      int  `mapstructure:"min_page_dimension" yaml:"min_page_dimension"`
	MaxPageWidth          int  `mapstructure:"max_page_width" yaml:"max_page_width"`
	MaxPageHeight         int  `mapstructure:"max_page_height" yaml:"max_page_height"`
	MaxFileSizeMB         int  `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	MaxPages              int  `mapstructure:"max_pages" yaml:"max_pages"` // 0 = unlimited
	// Rasterize renders PDF pages to PNG with pdftoppm instead of sending
	// single-page PDFs.
	Rasterize bool `mapstructure:"rasterize" yaml:"rasterize"`
	DPI       int  `mapstructure:"dpi" yaml:"dpi"`
}

// HistoryCfg configures the processing history database.
type HistoryCfg struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath           string `mapstructure:"db_path" yaml:"db_path"` // empty = {home}/data/history.db
	RetentionDays    int    `mapstructure:"retention_days" yaml:"retention_days"`
	CleanupOnStartup bool   `mapstructure:"cleanup_on_startup" yaml:"cleanup_on_startup"`
	CleanupMinutes   int    `mapstructure:"cleanup_interval_minutes" yaml:"cleanup_interval_minutes"`
}

// EnhancementCfg configures optional LLM text correction.
type EnhancementCfg struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string  `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR}
	Model          string  `mapstructure:"model" yaml:"model"`
	Temperature    float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// StorageCfg configures remote document sources.
type StorageCfg struct {
	GCS                    bool `mapstructure:"gcs" yaml:"gcs"`
	DownloadTimeoutSeconds int  `mapstructure:"download_timeout_seconds" yaml:"download_timeout_seconds"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host:        "127.0.0.1",
			Port:        "8080",
			MaxUploadMB: 50,
		},
		Log: LogCfg{
			Level:  "info",
			Format: "text",
		},
		OCR: OCRCfg{
			Provider: "huawei",
			Providers: map[string]OCRProviderCfg{
				"huawei": {
					Type:           "huawei",
					Enabled:        true,
					AccessKey:      "${HUAWEI_ACCESS_KEY}",
					SecretKey:      "${HUAWEI_SECRET_KEY}",
					ProjectID:      "${HUAWEI_PROJECT_ID}",
					Region:         "ap-southeast-3",
					RateLimit:      10.0,
					TimeoutSeconds: 30,
					MaxRetries:     3,
				},
			},
		},
		Processing: ProcessingCfg{
			ContinueOnError:       true,
			MaxRetriesPerPage:     3,
			ParallelWorkers:       4,
			TimeoutPerPageSeconds: 60,
			RetryDelayMs:          1000,
			MaxRetryDelaySeconds:  30,
			MinPageDimension:      15,
			MaxPageWidth:          30000,
			MaxPageHeight:         30000,
			MaxFileSizeMB:         10,
			DPI:                   300,
		},
		History: HistoryCfg{
			Enabled:          true,
			RetentionDays:    7,
			CleanupOnStartup: true,
			CleanupMinutes:   60,
		},
		Enhancement: EnhancementCfg{
			Enabled:        false,
			BaseURL:        "https://api.modelarts-maas.com/v1",
			APIKey:         "${MAAS_API_KEY}",
			Model:          "deepseek-v3.1",
			Temperature:    0.1,
			MaxTokens:      4096,
			TimeoutSeconds: 30,
		},
		Storage: StorageCfg{
			DownloadTimeoutSeconds: 60,
		},
	}
}
