package config

const (
	// DefaultModelKey is the [models] entry used when curation.model is unset
	DefaultModelKey = "main"
	// DefaultOutputDir is where session directories are created
	DefaultOutputDir = "output"
)

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Curation.Model == "" {
		cfg.Curation.Model = DefaultModelKey
	}
	if cfg.Curation.Concurrency == 0 {
		cfg.Curation.Concurrency = 4
	}
	if cfg.Curation.ExportScope == "" {
		cfg.Curation.ExportScope = ScopeFinalized
	}
	if cfg.Curation.OutputDir == "" {
		cfg.Curation.OutputDir = DefaultOutputDir
	}
	if cfg.Curation.CheckpointInterval == 0 {
		// Operator edits are expensive to redo, save after every mutation
		cfg.Curation.CheckpointInterval = 1
	}

	for name, model := range cfg.Models {
		if model.Temperature == 0 {
			model.Temperature = 0.7
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 4096
		}
		if model.ContextSize == 0 {
			model.ContextSize = 128000
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}
}
