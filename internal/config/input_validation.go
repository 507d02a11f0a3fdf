package config

import (
	"fmt"
	"net/url"
	"unicode"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxPathLength is the maximum allowed length for dataset file paths
	MaxPathLength = 1024
)

// ValidateInputs performs additional security validation on user-controllable fields.
func (c *Config) ValidateInputs() error {
	for name, mc := range c.Models {
		if err := validateModelName(mc.ModelName, name); err != nil {
			return err
		}
		if err := validateBaseURL(mc.BaseURL, name); err != nil {
			return err
		}
	}

	for name, dc := range c.Datasets {
		if err := validatePath(dc.SourcePath, "datasets."+name+".source_path"); err != nil {
			return err
		}
		if err := validatePath(dc.InstructionPath, "datasets."+name+".instruction_path"); err != nil {
			return err
		}
	}

	return nil
}

// validateModelName checks model name for security issues
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model '%s' name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}

	if containsControlChars(modelName) {
		return fmt.Errorf("model '%s' name contains invalid control characters", configKey)
	}

	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("model '%s' has invalid base_url: %w", configKey, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("model '%s' base_url must use http or https scheme (got %s)",
			configKey, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("model '%s' base_url must have a host", configKey)
	}

	return nil
}

// validatePath rejects oversized paths and paths with control characters
func validatePath(path, key string) error {
	if len(path) > MaxPathLength {
		return fmt.Errorf("%s exceeds maximum length of %d (got %d)", key, MaxPathLength, len(path))
	}
	if containsControlChars(path) {
		return fmt.Errorf("%s contains invalid control characters", key)
	}
	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
