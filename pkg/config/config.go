// Package config loads and validates service configuration.
//
// Configuration comes from two places with a strict split:
//   - A YAML file holds everything tunable and safe to commit: provider order,
//     models, analysis limits, poll interval, database path.
//   - Environment variables hold secrets only: provider credential lists and
//     the hosting-service token. Secrets never appear in the YAML file and are
//     never persisted.
//
// Load returns the config by value; callers hold their own copy and there is
// no global instance to mutate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in the providers list.
const (
	ProviderCerebras  = "cerebras"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Environment variables carrying secrets. Credential variables hold
// comma-separated lists; order defines rotation order.
const (
	EnvCerebrasKeys  = "AUTOPATCH_CEREBRAS_API_KEYS"
	EnvAnthropicKeys = "AUTOPATCH_ANTHROPIC_API_KEYS"
	EnvGeminiKeys    = "AUTOPATCH_GEMINI_API_KEYS"
	EnvGitHubToken   = "AUTOPATCH_GITHUB_TOKEN"
)

// ProviderConfig selects the model for one provider. Credentials come from the
// environment, not from here.
type ProviderConfig struct {
	Model string `yaml:"model"`
}

// AnalysisConfig bounds one analysis run.
type AnalysisConfig struct {
	MaxFiles     int           `yaml:"max_files"`
	MaxFileSize  int64         `yaml:"max_file_size"`
	SnippetLimit int           `yaml:"snippet_limit"`
	BatchSize    int           `yaml:"batch_size"`
	TokenBudget  int           `yaml:"token_budget"`
	MaxFindings  int           `yaml:"max_findings"`
	PacingDelay  time.Duration `yaml:"pacing_delay"`
}

// InvokerConfig bounds provider retry behavior.
type InvokerConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Config is the full service configuration.
type Config struct {
	DatabasePath string `yaml:"database_path"`

	// Providers is the fallback chain, primary first. Each entry must have
	// at least one credential in its environment variable.
	Providers map[string]ProviderConfig `yaml:"providers"`
	Chain     []string                  `yaml:"provider_chain"`

	Analysis AnalysisConfig `yaml:"analysis"`
	Invoker  InvokerConfig  `yaml:"invoker"`

	PollInterval time.Duration `yaml:"poll_interval"`
	MetricsAddr  string        `yaml:"metrics_addr"`

	// Secrets, populated from the environment by Load.
	Credentials map[string][]string `yaml:"-"`
	GitHubToken string              `yaml:"-"`
}

// Default returns the baseline configuration applied under the loaded file.
func Default() Config {
	return Config{
		DatabasePath: "autopatch.db",
		Providers: map[string]ProviderConfig{
			ProviderCerebras:  {},
			ProviderAnthropic: {},
			ProviderGemini:    {},
		},
		Chain: []string{ProviderCerebras, ProviderAnthropic},
		Analysis: AnalysisConfig{
			MaxFiles:     100,
			MaxFileSize:  256 * 1024,
			SnippetLimit: 3000,
			BatchSize:    8,
			TokenBudget:  8000,
			MaxFindings:  50,
			PacingDelay:  2 * time.Second,
		},
		Invoker: InvokerConfig{
			MaxRetries:     3,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			RequestTimeout: 90 * time.Second,
		},
		PollInterval: 5 * time.Minute,
		MetricsAddr:  ":9090",
	}
}

// Load reads the YAML file at path (optional; empty path uses pure defaults),
// overlays secrets from the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Credentials = map[string][]string{
		ProviderCerebras:  splitKeys(os.Getenv(EnvCerebrasKeys)),
		ProviderAnthropic: splitKeys(os.Getenv(EnvAnthropicKeys)),
		ProviderGemini:    splitKeys(os.Getenv(EnvGeminiKeys)),
	}
	cfg.GitHubToken = strings.TrimSpace(os.Getenv(EnvGitHubToken))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if len(c.Chain) == 0 {
		return fmt.Errorf("provider_chain must name at least one provider")
	}
	for _, name := range c.Chain {
		switch name {
		case ProviderCerebras, ProviderAnthropic, ProviderGemini:
		default:
			return fmt.Errorf("unknown provider %q in provider_chain", name)
		}
		if len(c.Credentials[name]) == 0 {
			return fmt.Errorf("provider %q is in the chain but has no credentials (set %s)", name, envFor(name))
		}
	}
	if c.GitHubToken == "" {
		return fmt.Errorf("no hosting-service token (set %s)", EnvGitHubToken)
	}
	if c.Invoker.MaxRetries < 0 {
		return fmt.Errorf("invoker.max_retries must not be negative")
	}
	if c.Invoker.BaseDelay <= 0 || c.Invoker.MaxDelay < c.Invoker.BaseDelay {
		return fmt.Errorf("invoker delays invalid: base %s, max %s", c.Invoker.BaseDelay, c.Invoker.MaxDelay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// Model returns the configured model for a provider, empty for adapter default.
func (c *Config) Model(provider string) string {
	return c.Providers[provider].Model
}

func envFor(provider string) string {
	switch provider {
	case ProviderCerebras:
		return EnvCerebrasKeys
	case ProviderAnthropic:
		return EnvAnthropicKeys
	case ProviderGemini:
		return EnvGeminiKeys
	}
	return ""
}

// splitKeys parses a comma-separated credential list, dropping empty entries.
func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
