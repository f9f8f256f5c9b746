// Package config provides configuration loading and management for Threatsmith.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Threatsmith configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	NATS      NATSConfig      `yaml:"nats"`
	LLM       LLMConfig       `yaml:"llm"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Risk      RiskThresholds  `yaml:"risk"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Listen is the address the API server binds to.
	Listen string `yaml:"listen"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures the NATS connection used for durable storage.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LLMConfig configures the LLM gateway.
type LLMConfig struct {
	// DefaultProviders is the provider preference order used when an
	// analysis request does not specify one.
	DefaultProviders []string `yaml:"default_providers"`
	// CallTimeout is the hard per-call ceiling, independent of the job timeout.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// MaxAttempts is the retry budget per provider for transient errors.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the initial retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// MaxBackoff caps the retry backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// KnowledgeConfig configures the ATT&CK corpus.
type KnowledgeConfig struct {
	// CorpusDir is the directory holding corpus YAML shards.
	// Empty means the embedded seed corpus only.
	CorpusDir string `yaml:"corpus_dir"`
	// Watch enables live reload when shard files change.
	Watch bool `yaml:"watch"`
}

// PipelineConfig configures analysis pipeline execution.
type PipelineConfig struct {
	// JobTimeout is the wall-clock ceiling across all stages of one job.
	JobTimeout time.Duration `yaml:"job_timeout"`
	// AgentRepairAttempts is how many extra re-prompts an agent may make
	// after schema-invalid output before failing its stage.
	AgentRepairAttempts int `yaml:"agent_repair_attempts"`
	// ValidationWorkers bounds concurrent knowledge-base cross-checks
	// within a single stage.
	ValidationWorkers int `yaml:"validation_workers"`
}

// RiskThresholds discretizes the overall risk score into a risk level.
// Scores are on a 0-10 scale; a score below Low is "low", below Medium
// is "medium", below High is "high", anything else "critical".
type RiskThresholds struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// Level returns the discrete risk level for a 0-10 score.
func (r RiskThresholds) Level(score float64) string {
	switch {
	case score < r.Low:
		return "low"
	case score < r.Medium:
		return "medium"
	case score < r.High:
		return "high"
	default:
		return "critical"
	}
}

// AnalysisDepth selects how much detail agents are asked for.
type AnalysisDepth string

// Recognized analysis depths.
const (
	DepthQuick    AnalysisDepth = "quick"
	DepthStandard AnalysisDepth = "standard"
	DepthDeep     AnalysisDepth = "deep"
)

// AnalysisConfig is the per-job analysis configuration supplied on Start.
// Every recognized option is enumerated here; unknown keys in a request
// body are rejected at the API boundary rather than silently ignored.
type AnalysisConfig struct {
	// AnalysisDepth is quick, standard, or deep. Default standard.
	AnalysisDepth AnalysisDepth `json:"analysis_depth,omitempty" yaml:"analysis_depth"`
	// IncludeMitigations controls whether the mitigation-recommender
	// stage runs. Default true.
	IncludeMitigations *bool `json:"include_mitigations,omitempty" yaml:"include_mitigations"`
	// ProviderPreference is the LLM provider order for this job.
	// Empty means the server default.
	ProviderPreference []string `json:"provider_preference,omitempty" yaml:"provider_preference"`
	// ExistingControlsText is optional user-supplied text describing
	// security controls already in place.
	ExistingControlsText string `json:"existing_controls_text,omitempty" yaml:"existing_controls_text"`
}

// Mitigations reports whether the mitigation-recommender stage should run.
func (c AnalysisConfig) Mitigations() bool {
	return c.IncludeMitigations == nil || *c.IncludeMitigations
}

// Normalize fills defaults and validates the analysis config.
func (c *AnalysisConfig) Normalize() error {
	if c.AnalysisDepth == "" {
		c.AnalysisDepth = DepthStandard
	}
	switch c.AnalysisDepth {
	case DepthQuick, DepthStandard, DepthDeep:
	default:
		return fmt.Errorf("unknown analysis_depth: %q", c.AnalysisDepth)
	}
	for _, p := range c.ProviderPreference {
		if p == "" {
			return fmt.Errorf("provider_preference contains an empty entry")
		}
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProviders: []string{"google", "openai", "ollama"},
			CallTimeout:      120 * time.Second,
			MaxAttempts:      3,
			BackoffBase:      2 * time.Second,
			MaxBackoff:       30 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			CorpusDir: "",
			Watch:     false,
		},
		Pipeline: PipelineConfig{
			JobTimeout:          10 * time.Minute,
			AgentRepairAttempts: 2,
			ValidationWorkers:   4,
		},
		Risk: RiskThresholds{
			Low:    3.0,
			Medium: 6.0,
			High:   8.5,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if len(c.LLM.DefaultProviders) == 0 {
		return fmt.Errorf("llm.default_providers must not be empty")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts must be at least 1")
	}
	if c.Pipeline.JobTimeout <= 0 {
		return fmt.Errorf("pipeline.job_timeout must be positive")
	}
	if c.Pipeline.AgentRepairAttempts < 0 {
		return fmt.Errorf("pipeline.agent_repair_attempts must not be negative")
	}
	if c.Pipeline.ValidationWorkers < 1 {
		return fmt.Errorf("pipeline.validation_workers must be at least 1")
	}
	if !(c.Risk.Low < c.Risk.Medium && c.Risk.Medium < c.Risk.High) {
		return fmt.Errorf("risk thresholds must be strictly increasing")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Server.Listen != "" {
		c.Server.Listen = other.Server.Listen
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.ConnectTimeout != 0 {
		c.NATS.ConnectTimeout = other.NATS.ConnectTimeout
	}
	if len(other.LLM.DefaultProviders) > 0 {
		c.LLM.DefaultProviders = other.LLM.DefaultProviders
	}
	if other.LLM.CallTimeout != 0 {
		c.LLM.CallTimeout = other.LLM.CallTimeout
	}
	if other.LLM.MaxAttempts != 0 {
		c.LLM.MaxAttempts = other.LLM.MaxAttempts
	}
	if other.LLM.BackoffBase != 0 {
		c.LLM.BackoffBase = other.LLM.BackoffBase
	}
	if other.LLM.MaxBackoff != 0 {
		c.LLM.MaxBackoff = other.LLM.MaxBackoff
	}
	if other.Knowledge.CorpusDir != "" {
		c.Knowledge.CorpusDir = other.Knowledge.CorpusDir
	}
	if other.Knowledge.Watch {
		c.Knowledge.Watch = true
	}
	if other.Pipeline.JobTimeout != 0 {
		c.Pipeline.JobTimeout = other.Pipeline.JobTimeout
	}
	if other.Pipeline.AgentRepairAttempts != 0 {
		c.Pipeline.AgentRepairAttempts = other.Pipeline.AgentRepairAttempts
	}
	if other.Pipeline.ValidationWorkers != 0 {
		c.Pipeline.ValidationWorkers = other.Pipeline.ValidationWorkers
	}
	if other.Risk.Low != 0 {
		c.Risk.Low = other.Risk.Low
	}
	if other.Risk.Medium != 0 {
		c.Risk.Medium = other.Risk.Medium
	}
	if other.Risk.High != 0 {
		c.Risk.High = other.Risk.High
	}
}
