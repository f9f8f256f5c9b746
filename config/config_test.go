package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, []string{"google", "openai", "ollama"}, cfg.LLM.DefaultProviders)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.JobTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Server.Listen = "" }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"no providers", func(c *Config) { c.LLM.DefaultProviders = nil }},
		{"zero attempts", func(c *Config) { c.LLM.MaxAttempts = 0 }},
		{"zero job timeout", func(c *Config) { c.Pipeline.JobTimeout = 0 }},
		{"negative repairs", func(c *Config) { c.Pipeline.AgentRepairAttempts = -1 }},
		{"zero workers", func(c *Config) { c.Pipeline.ValidationWorkers = 0 }},
		{"non-increasing thresholds", func(c *Config) { c.Risk.Medium = c.Risk.High }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9999"
pipeline:
  job_timeout: 5m
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.JobTimeout)
	// Untouched fields keep defaults.
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestMergeOverlaysOnlySetFields(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		NATS: NATSConfig{URL: "nats://other:4222"},
	})
	assert.Equal(t, "nats://other:4222", base.NATS.URL)
	assert.Equal(t, ":8080", base.Server.Listen)
	assert.Equal(t, 3, base.LLM.MaxAttempts)
}

func TestAnalysisConfigNormalize(t *testing.T) {
	var cfg AnalysisConfig
	require.NoError(t, cfg.Normalize())
	assert.Equal(t, DepthStandard, cfg.AnalysisDepth)
	assert.True(t, cfg.Mitigations())

	cfg = AnalysisConfig{AnalysisDepth: "extreme"}
	assert.Error(t, cfg.Normalize())

	cfg = AnalysisConfig{ProviderPreference: []string{"openai", ""}}
	assert.Error(t, cfg.Normalize())

	off := false
	cfg = AnalysisConfig{IncludeMitigations: &off}
	require.NoError(t, cfg.Normalize())
	assert.False(t, cfg.Mitigations())
}

func TestRiskThresholdLevels(t *testing.T) {
	r := DefaultConfig().Risk
	assert.Equal(t, "low", r.Level(0))
	assert.Equal(t, "low", r.Level(2.9))
	assert.Equal(t, "medium", r.Level(3.0))
	assert.Equal(t, "high", r.Level(6.0))
	assert.Equal(t, "critical", r.Level(8.5))
	assert.Equal(t, "critical", r.Level(10))
}

func TestLoaderEnvOverride(t *testing.T) {
	t.Setenv("NATS_URL", "nats://env-host:4222")
	// Run from an empty dir so no project config is picked up.
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "nats://env-host:4222", cfg.NATS.URL)
}
