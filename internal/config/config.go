package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lamim/sftcurator/pkg/models"
)

// Export scopes accepted by curation.export_scope
const (
	ScopeFinalized    = "finalized"
	ScopeAllGenerated = "all-generated"
)

// Config represents the complete application configuration
type Config struct {
	Curation CurationConfig           `toml:"curation"`
	Models   map[string]ModelConfig   `toml:"models"`
	Pricing  map[string]PriceConfig   `toml:"pricing"`  // Keyed by model_name; overrides built-in prices
	Datasets map[string]DatasetConfig `toml:"datasets"` // Keyed by dataset kind
}

// CurationConfig holds session-level settings
type CurationConfig struct {
	Model               string `toml:"model"`                // Key into [models] used for generation (default: main)
	Concurrency         int    `toml:"concurrency"`          // Parallel generations for batch runs (default: 4)
	ExportScope         string `toml:"export_scope"`         // finalized or all-generated (default: finalized)
	OutputDir           string `toml:"output_dir"`           // Root for session directories (default: output)
	EnableCheckpointing bool   `toml:"enable_checkpointing"` // Persist curation state for resume
	CheckpointInterval  int    `toml:"checkpoint_interval"`  // Save checkpoint every N mutations (default: 1)
	ResumeFromSession   string `toml:"resume_from_session"`  // Session directory to resume from (e.g., "session_2025-10-27T12-34-56")
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	ContextSize        int     `toml:"context_size"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`          // Optional: max retry attempts (default 3)
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"` // Optional: HTTP request timeout (default 120)
	UseJSONMode        bool    `toml:"use_json_mode"`        // Request json_object response format
	StripThinkTags     bool    `toml:"strip_think_tags"`     // Drop <think> blocks from reasoning models
}

// PriceConfig holds USD prices per million tokens for one model
type PriceConfig struct {
	PromptPerMillion     float64 `toml:"prompt_per_million"`
	CompletionPerMillion float64 `toml:"completion_per_million"`
}

// DatasetConfig points a dataset kind at its backing files
type DatasetConfig struct {
	SourcePath      string `toml:"source_path"`
	InstructionPath string `toml:"instruction_path"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

const (
	// MaxConcurrency is the maximum allowed concurrency
	MaxConcurrency = 64
	// MaxCheckpointInterval bounds how many mutations may go unsaved
	MaxCheckpointInterval = 1000
)

// ActiveModel returns the model configuration used for generation
func (c *Config) ActiveModel() (ModelConfig, error) {
	mc, ok := c.Models[c.Curation.Model]
	if !ok {
		return ModelConfig{}, fmt.Errorf("models.%s is not configured", c.Curation.Model)
	}
	return mc, nil
}

// Dataset returns the dataset configuration for a kind
func (c *Config) Dataset(kind models.DatasetKind) (DatasetConfig, bool) {
	dc, ok := c.Datasets[string(kind)]
	return dc, ok
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Curation.Model == "" {
		return fmt.Errorf("curation.model is required")
	}
	if c.Curation.Concurrency < 1 {
		return fmt.Errorf("curation.concurrency must be at least 1")
	}
	if c.Curation.Concurrency > MaxConcurrency {
		return fmt.Errorf("curation.concurrency must not exceed %d (got %d)", MaxConcurrency, c.Curation.Concurrency)
	}
	if c.Curation.ExportScope != ScopeFinalized && c.Curation.ExportScope != ScopeAllGenerated {
		return fmt.Errorf("curation.export_scope must be one of: %s, %s (got %s)", ScopeFinalized, ScopeAllGenerated, c.Curation.ExportScope)
	}
	if c.Curation.CheckpointInterval < 1 || c.Curation.CheckpointInterval > MaxCheckpointInterval {
		return fmt.Errorf("curation.checkpoint_interval must be between 1 and %d (got %d)", MaxCheckpointInterval, c.Curation.CheckpointInterval)
	}

	mc, ok := c.Models[c.Curation.Model]
	if !ok {
		return fmt.Errorf("models.%s is required (referenced by curation.model)", c.Curation.Model)
	}
	if err := validateModelConfig(c.Curation.Model, mc); err != nil {
		return err
	}

	for model, p := range c.Pricing {
		if p.PromptPerMillion < 0 || p.CompletionPerMillion < 0 {
			return fmt.Errorf("pricing.%s prices must not be negative", model)
		}
	}

	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one [datasets.<kind>] section is required")
	}
	known := make(map[string]bool)
	for _, k := range models.AllKinds() {
		known[string(k)] = true
	}
	for _, name := range c.DatasetNames() {
		if !known[name] {
			return fmt.Errorf("datasets.%s is not a known dataset kind", name)
		}
		if c.Datasets[name].SourcePath == "" {
			return fmt.Errorf("datasets.%s.source_path is required", name)
		}
		if c.Datasets[name].InstructionPath == "" {
			// Not fatal: the session starts with an empty instruction
			fmt.Fprintf(os.Stderr, "WARNING: datasets.%s.instruction_path not set - sessions will start with an empty instruction\n", name)
		}
	}

	return nil
}

// DatasetNames returns configured dataset kinds in sorted order
func (c *Config) DatasetNames() []string {
	names := make([]string, 0, len(c.Datasets))
	for name := range c.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("models.%s.max_output_tokens must be at least 1", name)
	}
	if mc.ContextSize < 1 {
		return fmt.Errorf("models.%s.context_size must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	if mc.MaxOutputTokens > mc.ContextSize {
		return fmt.Errorf("models.%s.max_output_tokens (%d) must not exceed context_size (%d)", name, mc.MaxOutputTokens, mc.ContextSize)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Load generic API key (provider-agnostic)
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Load provider-specific API keys (optional, override generic)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
		secrets.APIKeys["nvidia"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "nvidia.com") {
		if key := s.APIKeys["nvidia"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}

	// Fall back to generic API_KEY for any OpenAI-compatible provider
	if key := s.APIKeys["generic"]; key != "" {
		return key
	}

	// Local servers may run without auth
	return ""
}
