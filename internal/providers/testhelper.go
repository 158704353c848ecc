package providers

import (
	"os"
)

// TestConfig holds provider credentials loaded from environment variables.
// This allows live tests to use the same configuration pattern as production.
type TestConfig struct {
	HuaweiAccessKey string
	HuaweiSecretKey string
	HuaweiProjectID string
	HuaweiRegion    string
}

// LoadTestConfig loads provider credentials from environment variables.
// Returns a TestConfig with whatever credentials are available.
func LoadTestConfig() TestConfig {
	return TestConfig{
		HuaweiAccessKey: os.Getenv("HUAWEI_ACCESS_KEY"),
		HuaweiSecretKey: os.Getenv("HUAWEI_SECRET_KEY"),
		HuaweiProjectID: os.Getenv("HUAWEI_PROJECT_ID"),
		HuaweiRegion:    os.Getenv("HUAWEI_REGION"),
	}
}

// HasHuawei returns true if Huawei Cloud credentials are configured.
func (c TestConfig) HasHuawei() bool {
	return c.HuaweiAccessKey != "" && c.HuaweiSecretKey != "" && c.HuaweiProjectID != ""
}

// NewHuaweiOCRClient creates a Huawei OCR client from test config.
// Returns nil if not configured.
func (c TestConfig) NewHuaweiOCRClient() *HuaweiOCRClient {
	if !c.HasHuawei() {
		return nil
	}
	return NewHuaweiOCRClient(HuaweiOCRConfig{
		AccessKey: c.HuaweiAccessKey,
		SecretKey: c.HuaweiSecretKey,
		ProjectID: c.HuaweiProjectID,
		Region:    c.HuaweiRegion,
	})
}

// ToRegistryConfig converts test config to a RegistryConfig for the provider registry.
// The mock provider is always included; huawei only when credentials are set.
func (c TestConfig) ToRegistryConfig() RegistryConfig {
	cfg := RegistryConfig{
		OCRProviders: map[string]OCRProviderConfig{
			MockOCRName: {Type: MockOCRName, Enabled: true, RateLimit: 1000},
		},
	}

	if c.HasHuawei() {
		cfg.OCRProviders[HuaweiOCRName] = OCRProviderConfig{
			Type:      HuaweiOCRName,
			Enabled:   true,
			AccessKey: c.HuaweiAccessKey,
			SecretKey: c.HuaweiSecretKey,
			ProjectID: c.HuaweiProjectID,
			Region:    c.HuaweiRegion,
			RateLimit: 2,
		}
	}

	return cfg
}
