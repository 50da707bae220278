package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, apiKey, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotEmpty(t, apiKey)
	assert.True(t, verifyAPIKey(apiKey, cfg.APIKeyHash))
	assert.Equal(t, 8080, cfg.Port)
	assert.NoError(t, cfg.Validate())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), apiKey)

	// second load reads the file and does not hand out a key again
	again, key2, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, key2)
	assert.Equal(t, cfg.APIKeyHash, again.APIKeyHash)
}

func TestLoadConfigKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 9090, "log_level": "debug"}`), 0o600))

	cfg, apiKey, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, apiKey)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, PreviewMaxEdge, cfg.PreviewMaxEdge)
	assert.Equal(t, "./data", cfg.StoragePath)
	assert.Empty(t, cfg.APIKeyHash)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port":`), 0o600))

	_, _, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"Defaults", func(c *Config) {}, false},
		{"Port zero", func(c *Config) { c.Port = 0 }, true},
		{"Port too large", func(c *Config) { c.Port = 70000 }, true},
		{"Empty storage", func(c *Config) { c.StoragePath = "" }, true},
		{"No upload budget", func(c *Config) { c.MaxUploadMB = 0 }, true},
		{"Preview too small", func(c *Config) { c.PreviewMaxEdge = 32 }, true},
		{"Preview too large", func(c *Config) { c.PreviewMaxEdge = 5000 }, true},
		{"Bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"Trusted proxies", func(c *Config) { c.TrustedProxies = []string{"10.0.0.1", "172.16.0.0/12"} }, false},
		{"Bad trusted proxy", func(c *Config) { c.TrustedProxies = []string{"proxy.local"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoragePath = filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.StoragePath)
	assert.Equal(t, filepath.Join(cfg.StoragePath, "augmentor.db"), cfg.DatabasePath())
}
