// Package config loads service configuration from an optional YAML file and
// HOUSEHOLD_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "HOUSEHOLD_"
	defaultConfigFile = "config.yaml"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Anthropic  AnthropicConfig  `koanf:"anthropic"`
	Completion CompletionConfig `koanf:"completion"`
}

// ServerConfig controls the inbound HTTP listener. RequestTimeout bounds
// every request and must cover the completion retry budget.
type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// LogConfig selects the minimum log level.
type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool `koanf:"enabled"` // export spans to stdout
}

// AnthropicConfig describes the upstream Messages API. Timeout applies to
// each attempt, not the whole completion.
type AnthropicConfig struct {
	APIKey    string        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url"`
	Model     string        `koanf:"model"`
	MaxTokens int           `koanf:"max_tokens"`
	Timeout   time.Duration `koanf:"timeout"`

	// AllowPrivateHosts permits base URLs that resolve to loopback or
	// private addresses, e.g. a local recording proxy.
	AllowPrivateHosts bool `koanf:"allow_private_hosts"`
}

// CompletionConfig is the overload retry schedule.
type CompletionConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
}

var defaults = map[string]any{
	"server.port":                   8080,
	"server.request_timeout":        120 * time.Second,
	"log.level":                     "info",
	"tracing.enabled":               false,
	"anthropic.base_url":            "https://api.anthropic.com",
	"anthropic.model":               "claude-3-5-sonnet-20241022",
	"anthropic.max_tokens":          800,
	"anthropic.timeout":             30 * time.Second,
	"anthropic.allow_private_hosts": false,
	"completion.max_attempts":       3,
	"completion.backoff_base":       time.Second,
	"completion.backoff_cap":        5 * time.Second,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the file named by HOUSEHOLD_CONFIG (default config.yaml, which
// may be absent), then environment overrides, then defaults.
func Load() (*Config, error) {
	path := os.Getenv(envPrefix + "CONFIG")
	if path == "" {
		path = defaultConfigFile
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Anthropic.APIKey = substituteEnvVars(cfg.Anthropic.APIKey)
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RetryBudget is the longest a completion can take when every attempt runs
// to attemptTimeout: all attempts plus the backoff waits between them.
func RetryBudget(attempts int, attemptTimeout, backoffBase, backoffCap time.Duration) time.Duration {
	if attempts < 1 {
		return 0
	}
	budget := time.Duration(attempts) * attemptTimeout
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		budget += min(delay, backoffCap)
		if delay < backoffCap {
			delay *= 2
		}
	}
	return budget
}

// validate rejects a request timeout that would cancel a completion before
// its overload retries finish. Without an upstream timeout there is no bound
// to check.
func (c *Config) validate() error {
	if c.Completion.MaxAttempts < 1 {
		return fmt.Errorf("completion.max_attempts must be at least 1, got %d", c.Completion.MaxAttempts)
	}
	if c.Anthropic.Timeout <= 0 {
		return nil
	}

	budget := RetryBudget(c.Completion.MaxAttempts, c.Anthropic.Timeout, c.Completion.BackoffBase, c.Completion.BackoffCap)
	if c.Server.RequestTimeout < budget {
		return fmt.Errorf("server.request_timeout %s is shorter than the completion retry budget %s (%d attempts of anthropic.timeout %s plus backoff)",
			c.Server.RequestTimeout, budget, c.Completion.MaxAttempts, c.Anthropic.Timeout)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
