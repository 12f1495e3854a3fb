// Package config loads and validates the arbstr TOML configuration.
//
// Provider API keys may reference environment variables with ${VAR} syntax,
// or be discovered via the convention variable ARBSTR_<NAME>_API_KEY. Load
// records how each key was resolved so startup diagnostics can report it
// without exposing the key itself.
package config

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  *DatabaseConfig `toml:"database"`
	Providers []Provider      `toml:"providers"`
	Policies  PoliciesConfig  `toml:"policies"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Address to listen on, e.g. "127.0.0.1:8080".
	Listen string `toml:"listen"`
}

// DatabaseConfig holds request-log persistence settings.
type DatabaseConfig struct {
	// Path to the SQLite database file; ":memory:" for ephemeral.
	Path string `toml:"path"`
}

// Provider is one configured upstream.
type Provider struct {
	// Unique name for this provider.
	Name string `toml:"name"`
	// Base URL of the provider's OpenAI-compatible API.
	URL string `toml:"url"`
	// Optional API key; never serialized or logged in the clear.
	APIKey *Secret `toml:"api_key"`
	// Models supported by this provider; empty means any model.
	Models []string `toml:"models"`
	// Input token rate, sats per 1000 tokens.
	InputRate uint64 `toml:"input_rate"`
	// Output token rate, sats per 1000 tokens.
	OutputRate uint64 `toml:"output_rate"`
	// Flat fee per request, sats.
	BaseFee uint64 `toml:"base_fee"`
}

// PoliciesConfig holds routing policy settings.
type PoliciesConfig struct {
	DefaultStrategy string       `toml:"default_strategy"`
	Rules           []PolicyRule `toml:"rules"`
}

// PolicyRule is a single named routing policy, matched via the
// x-arbstr-policy header or keyword heuristics.
type PolicyRule struct {
	Name          string   `toml:"name"`
	AllowedModels []string `toml:"allowed_models"`
	// Strategy: "lowest_cost", "lowest_latency", "round_robin", "cheapest".
	Strategy        string   `toml:"strategy"`
	MaxSatsPer1kOut *uint64  `toml:"max_sats_per_1k_output"`
	Keywords        []string `toml:"keywords"`
}

// LoggingConfig controls structured logging and DB request logging.
type LoggingConfig struct {
	Level       string `toml:"level"`
	LogRequests *bool  `toml:"log_requests"`
	// Optional path to a rotating log file; empty logs to stdout.
	File string `toml:"file"`
}

const (
	defaultListen = "127.0.0.1:8080"
	defaultDBPath = "./arbstr.db"
	// DefaultStrategy used when a policy omits one.
	DefaultStrategy = "cheapest"
)

// KeySource records how a provider's API key was resolved at load time.
type KeySource struct {
	Kind KeySourceKind
	// Var is the environment variable name for convention lookups.
	Var string
}

// KeySourceKind enumerates the resolution paths for API keys.
type KeySourceKind int

const (
	KeyNone KeySourceKind = iota
	KeyLiteral
	KeyEnvExpanded
	KeyConvention
)

func (k KeySource) String() string {
	switch k.Kind {
	case KeyLiteral:
		return "config-literal"
	case KeyEnvExpanded:
		return "env-expanded"
	case KeyConvention:
		return fmt.Sprintf("convention (%s)", k.Var)
	default:
		return "none"
	}
}

// rawProvider mirrors Provider but keeps api_key as a plain string so
// ${VAR} references can be expanded before wrapping in Secret.
type rawProvider struct {
	Name       string   `toml:"name"`
	URL        string   `toml:"url"`
	APIKey     *string  `toml:"api_key"`
	Models     []string `toml:"models"`
	InputRate  uint64   `toml:"input_rate"`
	OutputRate uint64   `toml:"output_rate"`
	BaseFee    uint64   `toml:"base_fee"`
}

type rawConfig struct {
	Server    ServerConfig    `toml:"server"`
	Database  *DatabaseConfig `toml:"database"`
	Providers []rawProvider   `toml:"providers"`
	Policies  PoliciesConfig  `toml:"policies"`
	Logging   LoggingConfig   `toml:"logging"`
}

// LookupFunc resolves an environment variable name to a value. The
// indirection keeps expansion testable without mutating process env.
type LookupFunc func(name string) (string, bool)

// Load reads, parses, and resolves a TOML config file. It returns the
// config plus the per-provider key sources for startup diagnostics.
func Load(path string) (*Config, map[string]KeySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	warnIfWorldReadable(path)
	return Parse(data, func(name string) (string, bool) { return os.LookupEnv(name) })
}

// Parse parses TOML bytes and resolves provider keys via lookup.
func Parse(data []byte, lookup LookupFunc) (*Config, map[string]KeySource, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	cfg, sources, err := resolve(raw, lookup)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return cfg, sources, nil
}

func resolve(raw rawConfig, lookup LookupFunc) (*Config, map[string]KeySource, error) {
	cfg := &Config{
		Server:   raw.Server,
		Database: raw.Database,
		Policies: raw.Policies,
		Logging:  raw.Logging,
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaultListen
	}
	if cfg.Database != nil && cfg.Database.Path == "" {
		cfg.Database.Path = defaultDBPath
	}
	if cfg.Policies.DefaultStrategy == "" {
		cfg.Policies.DefaultStrategy = DefaultStrategy
	}
	for i := range cfg.Policies.Rules {
		if cfg.Policies.Rules[i].Strategy == "" {
			cfg.Policies.Rules[i].Strategy = DefaultStrategy
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	sources := make(map[string]KeySource, len(raw.Providers))
	for _, rp := range raw.Providers {
		p := Provider{
			Name:       rp.Name,
			URL:        rp.URL,
			Models:     rp.Models,
			InputRate:  rp.InputRate,
			OutputRate: rp.OutputRate,
			BaseFee:    rp.BaseFee,
		}

		switch {
		case rp.APIKey != nil && strings.Contains(*rp.APIKey, "${"):
			expanded, err := ExpandEnv(*rp.APIKey, rp.Name, lookup)
			if err != nil {
				return nil, nil, err
			}
			p.APIKey = NewSecret(expanded)
			sources[rp.Name] = KeySource{Kind: KeyEnvExpanded}
		case rp.APIKey != nil:
			p.APIKey = NewSecret(*rp.APIKey)
			sources[rp.Name] = KeySource{Kind: KeyLiteral}
		default:
			varName := ConventionEnvVar(rp.Name)
			if v, ok := lookup(varName); ok {
				p.APIKey = NewSecret(v)
				sources[rp.Name] = KeySource{Kind: KeyConvention, Var: varName}
			} else {
				sources[rp.Name] = KeySource{Kind: KeyNone}
			}
		}

		cfg.Providers = append(cfg.Providers, p)
	}
	return cfg, sources, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		slog.Warn("no providers configured, proxy will reject all requests")
	}
	for _, p := range c.Providers {
		if p.URL == "" {
			return fmt.Errorf("provider %q has empty URL", p.Name)
		}
	}
	return nil
}

// LogRequests reports whether request rows should be written to the DB.
// Defaults to true when unset.
func (c *Config) LogRequests() bool {
	if c.Logging.LogRequests == nil {
		return true
	}
	return *c.Logging.LogRequests
}

// DatabasePath returns the configured database path or "" when
// persistence is disabled.
func (c *Config) DatabasePath() string {
	if c.Database == nil {
		return ""
	}
	return c.Database.Path
}

// ExpandEnv expands all ${VAR} references in input via lookup. It fails
// on the first missing variable, an unclosed "${", or an empty name
// between "${}"; the provider name is included in errors for diagnosis.
// A bare "$" without a brace passes through unchanged.
func ExpandEnv(input, provider string, lookup LookupFunc) (string, error) {
	if !strings.Contains(input, "${") {
		return input, nil
	}

	var b strings.Builder
	rest := input
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		after := rest[start+2:]

		end := strings.IndexByte(after, '}')
		if end < 0 {
			return "", fmt.Errorf("provider %q: unclosed '${' in config value %q", provider, input)
		}
		name := after[:end]
		if name == "" {
			return "", fmt.Errorf("provider %q: empty variable name in '${}' reference", provider)
		}
		value, ok := lookup(name)
		if !ok {
			return "", fmt.Errorf("provider %q: environment variable %q is not set", provider, name)
		}
		b.WriteString(value)
		rest = after[end+1:]
	}
}

// ConventionEnvVar derives the convention env var for a provider name:
// "provider-beta" -> "ARBSTR_PROVIDER_BETA_API_KEY".
func ConventionEnvVar(provider string) string {
	upper := strings.ToUpper(provider)
	upper = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return "ARBSTR_" + upper + "_API_KEY"
}

// warnIfWorldReadable logs a warning when the config file is readable
// beyond its owner, since it may contain API keys.
func warnIfWorldReadable(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&^fs.FileMode(0o600) != 0 {
		slog.Warn("config file permissions are wider than 0600",
			slog.String("path", path),
			slog.String("mode", fmt.Sprintf("%04o", perm)))
	}
}
