package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	return Config{
		Curation: CurationConfig{
			Model:              "main",
			Concurrency:        4,
			ExportScope:        ScopeFinalized,
			OutputDir:          "output",
			CheckpointInterval: 1,
		},
		Models: map[string]ModelConfig{
			"main": {
				BaseURL:            "https://api.example.com/v1",
				ModelName:          "gpt-4o-mini",
				Temperature:        0.7,
				TopP:               1.0,
				MaxOutputTokens:    1024,
				ContextSize:        2048,
				RateLimitPerMinute: 60,
			},
		},
		Datasets: map[string]DatasetConfig{
			"master_summary": {
				SourcePath:      "data/master.csv",
				InstructionPath: "prompts/master_summary.txt",
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing model reference",
			mutate:  func(c *Config) { c.Curation.Model = "judge" },
			wantErr: true,
		},
		{
			name:    "invalid concurrency",
			mutate:  func(c *Config) { c.Curation.Concurrency = 0 },
			wantErr: true,
		},
		{
			name:    "concurrency above limit",
			mutate:  func(c *Config) { c.Curation.Concurrency = MaxConcurrency + 1 },
			wantErr: true,
		},
		{
			name:    "unknown export scope",
			mutate:  func(c *Config) { c.Curation.ExportScope = "everything" },
			wantErr: true,
		},
		{
			name:    "unknown dataset kind",
			mutate:  func(c *Config) { c.Datasets["tweets"] = DatasetConfig{SourcePath: "x.csv"} },
			wantErr: true,
		},
		{
			name: "missing source path",
			mutate: func(c *Config) {
				c.Datasets["reviews_summary"] = DatasetConfig{InstructionPath: "prompts/reviews.txt"}
			},
			wantErr: true,
		},
		{
			name: "negative price",
			mutate: func(c *Config) {
				c.Pricing = map[string]PriceConfig{"gpt-4o": {PromptPerMillion: -1}}
			},
			wantErr: true,
		},
		{
			name: "max tokens above context",
			mutate: func(c *Config) {
				mc := c.Models["main"]
				mc.MaxOutputTokens = 4096
				c.Models["main"] = mc
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[models.main]
base_url = "https://api.openai.com/v1"
model_name = "gpt-4o-mini"

[pricing."gpt-4o-mini"]
prompt_per_million = 0.15
completion_per_million = 0.6

[datasets.comment_summary]
source_path = "data/comments.csv"
instruction_path = "prompts/comment_summary.txt"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, secrets, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if secrets == nil {
		t.Fatal("Expected secrets, got nil")
	}
	if cfg.Curation.Model != DefaultModelKey {
		t.Errorf("Expected default model key %q, got %q", DefaultModelKey, cfg.Curation.Model)
	}
	if cfg.Curation.ExportScope != ScopeFinalized {
		t.Errorf("Expected default export scope %q, got %q", ScopeFinalized, cfg.Curation.ExportScope)
	}
	if cfg.Curation.OutputDir != DefaultOutputDir {
		t.Errorf("Expected default output dir %q, got %q", DefaultOutputDir, cfg.Curation.OutputDir)
	}
	mc, err := cfg.ActiveModel()
	if err != nil {
		t.Fatalf("ActiveModel() error = %v", err)
	}
	if mc.RateLimitPerMinute != 60 || mc.MaxRetries != 3 {
		t.Errorf("Expected model defaults (60 rpm, 3 retries), got %d rpm, %d retries", mc.RateLimitPerMinute, mc.MaxRetries)
	}
	if got := cfg.Pricing["gpt-4o-mini"].CompletionPerMillion; got != 0.6 {
		t.Errorf("Expected completion price 0.6, got %v", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Expected error for missing config file, got nil")
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key-123")
	t.Setenv("NVIDIA_API_KEY", "test-nvidia-key")

	secrets, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets() error = %v", err)
	}

	if secrets.APIKeys["openai"] != "test-key-123" {
		t.Errorf("Expected OpenAI key to be 'test-key-123', got %s", secrets.APIKeys["openai"])
	}

	if secrets.APIKeys["nvidia"] != "test-nvidia-key" {
		t.Errorf("Expected NVIDIA key to be 'test-nvidia-key', got %s", secrets.APIKeys["nvidia"])
	}
}

func TestGetAPIKey(t *testing.T) {
	secrets := &Secrets{
		APIKeys: map[string]string{
			"openai": "openai-key",
			"nvidia": "nvidia-key",
		},
	}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "OpenAI URL",
			baseURL: "https://api.openai.com/v1",
			want:    "openai-key",
		},
		{
			name:    "NVIDIA URL",
			baseURL: "https://integrate.api.nvidia.com/v1",
			want:    "nvidia-key",
		},
		{
			name:    "Unknown URL",
			baseURL: "https://unknown.com/v1",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := secrets.GetAPIKey(tt.baseURL)
			if got != tt.want {
				t.Errorf("GetAPIKey() = %v, want %v", got, tt.want)
			}
		})
	}
}
