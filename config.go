package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Config holds the application configuration
type Config struct {
	Port           int    `json:"port"`
	BindAddress    string `json:"bind_address"`
	StoragePath    string `json:"storage_path"`
	MaxUploadMB    int64  `json:"max_upload_mb"`
	PreviewMaxEdge int    `json:"preview_max_edge"`
	APIKeyHash     string `json:"api_key_hash,omitempty"`
	LogLevel       string `json:"log_level"`
	LogJSON        bool   `json:"log_json"`

	// Peers allowed to set X-Forwarded-For / X-Real-IP (IPs or CIDRs)
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		BindAddress:    "0.0.0.0",
		StoragePath:    "./data",
		MaxUploadMB:    20,
		PreviewMaxEdge: PreviewMaxEdge,
		LogLevel:       "info",
	}
}

// LoadConfig loads configuration from file or creates a default one.
// On first run an API key is generated; only its bcrypt hash is written to disk
// and the plaintext key is returned once so the caller can show it.
func LoadConfig(path string) (*Config, string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		config := DefaultConfig()

		apiKey, err := generateRandomToken(APIKeyLength)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate api key: %w", err)
		}
		hash, err := hashAPIKey(apiKey)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash api key: %w", err)
		}
		config.APIKeyHash = hash

		if err := config.Save(path); err != nil {
			return nil, "", fmt.Errorf("failed to save config: %w", err)
		}
		logrus.WithField("path", path).Info("Created default configuration")
		return config, apiKey, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	return config, "", nil
}

// Save writes the configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // holds the api key hash
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.StoragePath == "" {
		return fmt.Errorf("storage_path cannot be empty")
	}

	if c.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1")
	}

	// A preview smaller than the resize minimum is useless for judging a transformation
	if c.PreviewMaxEdge < resizeRange.Width.Min || c.PreviewMaxEdge > resizeRange.Width.Max {
		return fmt.Errorf("preview_max_edge must be between %d and %d",
			resizeRange.Width.Min, resizeRange.Width.Max)
	}

	if _, err := parseTrustedProxies(c.TrustedProxies); err != nil {
		return err
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	return nil
}

// DatabasePath returns the sqlite file location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StoragePath, "augmentor.db")
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.StoragePath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.StoragePath, err)
	}
	return nil
}
