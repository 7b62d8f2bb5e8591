// Package config loads and validates the gateway configuration. Targets,
// tenants, provider key pools, and client profiles are read once at startup
// and are immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reliapi/reliapi/internal/kv"
)

// Config is the complete gateway configuration.
type Config struct {
	Server           ServerConfig              `yaml:"server"`
	Redis            *kv.RedisConfig           `yaml:"redis"`
	Logging          LoggingConfig             `yaml:"logging"`
	Targets          map[string]*Target        `yaml:"targets"`
	Tenants          map[string]*Tenant        `yaml:"tenants"`
	ProviderKeyPools map[string]*KeyPoolConfig `yaml:"provider_key_pools"`
	ClientProfiles   map[string]*ClientProfile `yaml:"client_profiles"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Target is a named upstream definition with its policy bundle.
type Target struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	CacheTTL       time.Duration        `yaml:"cache_ttl"`

	LLM  *LLMConfig  `yaml:"llm"`
	Auth *AuthConfig `yaml:"auth"`

	FallbackTargets []string               `yaml:"fallback_targets"`
	Retry           map[string]RetryPolicy `yaml:"retry"`
}

// CircuitBreakerConfig tunes the per-target breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTTL          time.Duration `yaml:"open_ttl"`
}

// LLMConfig holds the LLM-specific parameters of a target.
type LLMConfig struct {
	Provider       string   `yaml:"provider"` // empty means detect from base_url
	DefaultModel   string   `yaml:"default_model"`
	MaxTokens      int      `yaml:"max_tokens"`
	MaxTemperature *float64 `yaml:"max_temperature"`
	SoftCostCapUSD float64  `yaml:"soft_cost_cap_usd"`
	HardCostCapUSD float64  `yaml:"hard_cost_cap_usd"`
}

// AuthConfig configures static upstream authentication for a target.
// APIKey may be literal or an env:VAR reference.
type AuthConfig struct {
	Header string `yaml:"header"` // default Authorization
	Prefix string `yaml:"prefix"` // e.g. "Bearer "
	APIKey string `yaml:"api_key"`
}

// RetryPolicy configures retries for one error class (429, 5xx, net, timeout).
type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Backoff  string        `yaml:"backoff"` // exp-jitter, exp, linear
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

// Tenant is a principal identified by an API key; its name namespaces all
// shared state.
type Tenant struct {
	APIKey            string                   `yaml:"api_key"`
	Tier              string                   `yaml:"tier"` // free, paid; empty means paid
	RequestsPerMinute float64                  `yaml:"requests_per_minute"`
	ClientProfile     string                   `yaml:"client_profile"`
	CostCaps          map[string]float64       `yaml:"cost_caps"`       // target -> hard cap USD
	Fallbacks         map[string][]string      `yaml:"fallbacks"`       // target -> chain override
	CacheTTLOverrides map[string]time.Duration `yaml:"cache_ttl_overrides"` // target -> ttl
}

// KeyPoolConfig configures a provider's key pool.
type KeyPoolConfig struct {
	Keys []ProviderKeyConfig `yaml:"keys"`
}

// ProviderKeyConfig configures a single provider key. APIKey may be an
// env:VAR reference.
type ProviderKeyConfig struct {
	ID       string  `yaml:"id"`
	APIKey   string  `yaml:"api_key"`
	QPSLimit float64 `yaml:"qps_limit"`
	Banned   bool    `yaml:"banned"`
}

// ClientProfile bundles concurrency and rate limits for a caller class.
type ClientProfile struct {
	MaxParallelRequests int           `yaml:"max_parallel_requests"`
	TenantQPS           float64       `yaml:"tenant_qps"`
	ProviderKeyQPS      float64       `yaml:"provider_key_qps"`
	ProfileQPS          float64       `yaml:"profile_qps"`
	BurstSize           int           `yaml:"burst_size"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
}

// DefaultProfileName always resolves; it is created when absent.
const DefaultProfileName = "default"

// TierFree marks tenants that may not chain fallbacks.
const TierFree = "free"

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		ClientProfiles: map[string]*ClientProfile{
			DefaultProfileName: {
				MaxParallelRequests: 10,
				BurstSize:           20,
			},
		},
	}
}

// LoadFromFile reads, env-resolves, and validates a YAML config file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Load(data)
}

// Load parses and validates raw YAML configuration bytes.
func Load(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ClientProfiles == nil {
		cfg.ClientProfiles = map[string]*ClientProfile{}
	}
	if _, ok := cfg.ClientProfiles[DefaultProfileName]; !ok {
		cfg.ClientProfiles[DefaultProfileName] = DefaultConfig().ClientProfiles[DefaultProfileName]
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// resolveSecrets expands env:VAR references in key material.
func (c *Config) resolveSecrets() error {
	for name, t := range c.Targets {
		if t.Auth == nil {
			continue
		}
		resolved, err := resolveEnvRef(t.Auth.APIKey)
		if err != nil {
			return fmt.Errorf("target %q auth: %w", name, err)
		}
		t.Auth.APIKey = resolved
	}
	for provider, pool := range c.ProviderKeyPools {
		for i := range pool.Keys {
			resolved, err := resolveEnvRef(pool.Keys[i].APIKey)
			if err != nil {
				return fmt.Errorf("provider_key_pools.%s key %q: %w", provider, pool.Keys[i].ID, err)
			}
			pool.Keys[i].APIKey = resolved
		}
	}
	return nil
}

func resolveEnvRef(value string) (string, error) {
	if !strings.HasPrefix(value, "env:") {
		return value, nil
	}
	name := strings.TrimPrefix(value, "env:")
	resolved, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return resolved, nil
}

// Validate checks the configuration; any error is fatal at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}

	for name, t := range c.Targets {
		if t.BaseURL == "" {
			return fmt.Errorf("target %q: base_url is required", name)
		}
		if t.Timeout < 0 {
			return fmt.Errorf("target %q: timeout cannot be negative", name)
		}
		for _, fb := range t.FallbackTargets {
			if _, ok := c.Targets[fb]; !ok {
				return fmt.Errorf("target %q: unknown fallback target %q", name, fb)
			}
			if fb == name {
				return fmt.Errorf("target %q: fallback to itself", name)
			}
		}
		for class, policy := range t.Retry {
			switch class {
			case "429", "5xx", "net", "timeout":
			default:
				return fmt.Errorf("target %q: unknown retry class %q", name, class)
			}
			if policy.Attempts < 0 {
				return fmt.Errorf("target %q: retry.%s.attempts cannot be negative", name, class)
			}
			switch policy.Backoff {
			case "", "exp-jitter", "exp", "linear":
			default:
				return fmt.Errorf("target %q: retry.%s.backoff %q is not supported", name, class, policy.Backoff)
			}
		}
		if t.LLM != nil {
			if t.LLM.MaxTokens < 0 {
				return fmt.Errorf("target %q: llm.max_tokens cannot be negative", name)
			}
			if t.LLM.HardCostCapUSD < 0 || t.LLM.SoftCostCapUSD < 0 {
				return fmt.Errorf("target %q: cost caps cannot be negative", name)
			}
		}
	}

	seenAPIKeys := make(map[string]string)
	for name, tenant := range c.Tenants {
		if tenant.APIKey == "" {
			return fmt.Errorf("tenant %q: api_key is required", name)
		}
		if other, dup := seenAPIKeys[tenant.APIKey]; dup {
			return fmt.Errorf("tenant %q: api_key already used by tenant %q", name, other)
		}
		seenAPIKeys[tenant.APIKey] = name
		if tenant.RequestsPerMinute < 0 {
			return fmt.Errorf("tenant %q: requests_per_minute cannot be negative", name)
		}
		if tenant.ClientProfile != "" {
			if _, ok := c.ClientProfiles[tenant.ClientProfile]; !ok {
				return fmt.Errorf("tenant %q: unknown client profile %q", name, tenant.ClientProfile)
			}
		}
		for target := range tenant.CostCaps {
			if _, ok := c.Targets[target]; !ok {
				return fmt.Errorf("tenant %q: cost cap for unknown target %q", name, target)
			}
		}
		for target, chain := range tenant.Fallbacks {
			if _, ok := c.Targets[target]; !ok {
				return fmt.Errorf("tenant %q: fallback override for unknown target %q", name, target)
			}
			for _, fb := range chain {
				if _, ok := c.Targets[fb]; !ok {
					return fmt.Errorf("tenant %q: unknown fallback target %q", name, fb)
				}
			}
		}
	}

	for provider, pool := range c.ProviderKeyPools {
		seen := make(map[string]bool)
		for _, key := range pool.Keys {
			if key.ID == "" {
				return fmt.Errorf("provider_key_pools.%s: key id is required", provider)
			}
			if seen[key.ID] {
				return fmt.Errorf("provider_key_pools.%s: duplicate key id %q", provider, key.ID)
			}
			seen[key.ID] = true
			if key.APIKey == "" {
				return fmt.Errorf("provider_key_pools.%s key %q: api_key is required", provider, key.ID)
			}
			if key.QPSLimit < 0 {
				return fmt.Errorf("provider_key_pools.%s key %q: qps_limit cannot be negative", provider, key.ID)
			}
		}
	}

	for name, profile := range c.ClientProfiles {
		if profile.MaxParallelRequests < 0 {
			return fmt.Errorf("client_profiles.%s: max_parallel_requests cannot be negative", name)
		}
		if profile.TenantQPS < 0 || profile.ProviderKeyQPS < 0 {
			return fmt.Errorf("client_profiles.%s: qps values cannot be negative", name)
		}
		if profile.BurstSize < 0 {
			return fmt.Errorf("client_profiles.%s: burst_size cannot be negative", name)
		}
	}

	return nil
}

// TenantByAPIKey resolves the tenant owning an API key. The validation
// invariant guarantees at most one match.
func (c *Config) TenantByAPIKey(apiKey string) (string, *Tenant) {
	if apiKey == "" {
		return "", nil
	}
	for name, tenant := range c.Tenants {
		if tenant.APIKey == apiKey {
			return name, tenant
		}
	}
	return "", nil
}

// ResolveProfile applies the profile resolution priority: caller header,
// then tenant configuration, then the built-in default.
func (c *Config) ResolveProfile(headerProfile string, tenant *Tenant) (string, *ClientProfile) {
	if headerProfile != "" {
		if p, ok := c.ClientProfiles[headerProfile]; ok {
			return headerProfile, p
		}
	}
	if tenant != nil && tenant.ClientProfile != "" {
		if p, ok := c.ClientProfiles[tenant.ClientProfile]; ok {
			return tenant.ClientProfile, p
		}
	}
	return DefaultProfileName, c.ClientProfiles[DefaultProfileName]
}

// CacheTTLFor returns the effective cache TTL for a tenant and target.
func (c *Config) CacheTTLFor(target string, tenantName string) time.Duration {
	if tenant, ok := c.Tenants[tenantName]; ok {
		if ttl, ok := tenant.CacheTTLOverrides[target]; ok {
			return ttl
		}
	}
	if t, ok := c.Targets[target]; ok {
		return t.CacheTTL
	}
	return 0
}
