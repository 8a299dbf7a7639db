// Package config handles loading, validating, watching, and atomically
// publishing gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Aliases   map[string]AliasConfig    `koanf:"aliases"`
	Cooldown  CooldownConfig            `koanf:"cooldown"`
	Metrics   MetricsConfig             `koanf:"metrics"`

	// Behaviors maps an alias behavior name to a Lua snippet body,
	// executed by internal/behaviorhook when an alias lists it under
	// AliasConfig.Behaviors.
	Behaviors map[string]string `koanf:"behaviors"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// APIKeys maps a secret value to a human-readable name used as
	// RequestContext.api_key_name. Disabled keys are simply absent.
	APIKeys map[string]string `koanf:"api_keys"`
}

// ProviderConfig holds the settings for a single upstream provider.
type ProviderConfig struct {
	Enabled           bool                     `koanf:"enabled"`
	SupportedDialects []string                 `koanf:"supported_dialects"`
	Endpoints         map[string]string        `koanf:"endpoints"` // dialect -> base URL
	AuthType          string                   `koanf:"auth_type"` // "bearer" | "x-api-key"
	APIKey            string                   `koanf:"api_key"`
	Models            []string                 `koanf:"models"`
	Headers           map[string]string        `koanf:"headers"`
	ExtraBody         map[string]any           `koanf:"extra_body"`
	CooldownOverrides map[string]time.Duration `koanf:"cooldown_overrides"` // reason -> duration
	Discount          float64                  `koanf:"discount"`
	CostPerMillionIn  float64                  `koanf:"cost_per_million_input"`
	CostPerMillionOut float64                  `koanf:"cost_per_million_output"`
}

// AliasTarget is one candidate (provider, model) pairing for an alias.
type AliasTarget struct {
	Provider string  `koanf:"provider"`
	Model    string  `koanf:"model"`
	Weight   float64 `koanf:"weight"`
	Enabled  *bool   `koanf:"enabled"`
	APIType  string  `koanf:"api_type"` // dialect the target endpoint speaks
}

// AliasConfig is a user-facing model alias and its routing rules.
type AliasConfig struct {
	Secondary []string      `koanf:"secondary"`
	Targets   []AliasTarget `koanf:"targets"`
	Selector  string        `koanf:"selector"` // random|in_order|cost|latency|performance|usage
	Priority  string        `koanf:"priority"` // selector|api_match
	Kind      string        `koanf:"kind"`     // chat|embeddings|transcriptions|speech|image|responses
	Behaviors []string      `koanf:"behaviors"`
}

// CooldownConfig holds global cooldown defaults and bounds (spec §4.4).
type CooldownConfig struct {
	MinDuration     time.Duration            `koanf:"min_duration"`
	MaxDuration     time.Duration            `koanf:"max_duration"`
	DefaultByReason map[string]time.Duration `koanf:"default_by_reason"`

	RedisAddr string `koanf:"redis_addr"` // empty = in-memory only store
}

// MetricsConfig controls the rolling-window metrics collector.
type MetricsConfig struct {
	WindowDuration time.Duration `koanf:"window_duration"`
	Stripes        int           `koanf:"stripes"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "GATEWAY_" can override a config value:
	//   GATEWAY_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandSecrets(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Cooldown: CooldownConfig{
			MinDuration: 10 * time.Second,
			MaxDuration: 30 * time.Minute,
			DefaultByReason: map[string]time.Duration{
				"rate_limit":       60 * time.Second,
				"auth_error":       5 * time.Minute,
				"timeout":          30 * time.Second,
				"server_error":     30 * time.Second,
				"connection_error": 30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			WindowDuration: 5 * time.Minute,
			Stripes:        16,
		},
	}
}

// expandSecrets resolves ${VAR_NAME} placeholders against the process
// environment. Unlike the teacher (which only does this for
// provider.api_key), the gateway also expands server API keys, since
// those are just as sensitive.
func expandSecrets(cfg *Config) {
	for name, p := range cfg.Providers {
		p.APIKey = expandVar(p.APIKey)
		cfg.Providers[name] = p
	}
	expanded := make(map[string]string, len(cfg.Server.APIKeys))
	for secret, label := range cfg.Server.APIKeys {
		expanded[expandVar(secret)] = label
	}
	cfg.Server.APIKeys = expanded
}

func expandVar(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func validate(cfg *Config) error {
	for id, alias := range cfg.Aliases {
		if len(alias.Targets) == 0 {
			return fmt.Errorf("alias %q has no targets", id)
		}
		for _, t := range alias.Targets {
			if _, ok := cfg.Providers[t.Provider]; !ok {
				return fmt.Errorf("alias %q references unknown provider %q", id, t.Provider)
			}
		}
	}
	return nil
}
