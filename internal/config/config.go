// Package config loads and validates the proxy configuration: the backend
// descriptor list, default tuning parameters, and the optional agent-team
// routing section. Configuration is read once at startup; hot-reload is
// driven externally through backend.Registry.UpdateConfig.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auth schemes supported for upstream backends.
const (
	AuthAPIKey      = "api_key"     // key injected as x-api-key header
	AuthBearer      = "bearer"      // key injected as Authorization: Bearer
	AuthPassthrough = "passthrough" // client auth headers forwarded unmodified
)

// Thinking handling modes.
const (
	ThinkingModeNative        = "native"          // session registry filters stale blocks
	ThinkingModeStrip         = "strip"           // all thinking blocks removed from requests
	ThinkingModeDropSignature = "drop_signature"  // foreign blocks lose their signature
	ThinkingModeConvertToText = "convert_to_text" // foreign blocks become text blocks
	ThinkingModeConvertToTags = "convert_to_tags" // foreign blocks become <think>-tagged text
)

// Config is the root configuration container.
type Config struct {
	ListenAddr string      `yaml:"listen_addr"`
	Defaults   Defaults    `yaml:"defaults"`
	Thinking   Thinking    `yaml:"thinking"`
	AgentTeams *AgentTeams `yaml:"agent_teams,omitempty"`
	Backends   []Backend   `yaml:"backends"`
}

// Defaults holds tuning parameters applied to every backend unless the
// backend overrides them.
type Defaults struct {
	// Name of the backend active at startup. Empty means the first backend.
	Active string `yaml:"active"`
	// Total time for a complete request/response.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// Time to establish a TCP connection.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	// Max time between bytes on a streaming response.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	// Idle timeout for pooled keep-alive connections.
	PoolIdleTimeoutSeconds int `yaml:"pool_idle_timeout_seconds"`
	// Max idle connections kept per backend host.
	PoolMaxIdlePerHost int `yaml:"pool_max_idle_per_host"`
	// Max retry attempts for connection-level failures.
	MaxRetries int `yaml:"max_retries"`
	// Base backoff in milliseconds; attempt k waits base*2^k (jittered).
	RetryBackoffBaseMs int `yaml:"retry_backoff_base_ms"`
}

// Thinking configures how thinking blocks in conversation history are
// handled when requests cross backend switches.
type Thinking struct {
	// Mode is "native" (default), "strip", "drop_signature",
	// "convert_to_text", or "convert_to_tags".
	Mode string `yaml:"mode"`
	// OrphanThresholdSeconds bounds how long an unconfirmed block is
	// retained before eviction. Zero means the built-in default (5m).
	OrphanThresholdSeconds int `yaml:"orphan_threshold_seconds"`
}

// AgentTeams configures the teammate pipeline. When absent, no teammate
// route is registered at all.
type AgentTeams struct {
	// TeammateBackend pins every teammate-namespace request to this backend.
	TeammateBackend string `yaml:"teammate_backend"`
	// Overrides optionally pins individual agent names to other backends.
	Overrides map[string]string `yaml:"overrides,omitempty"`
}

// ModelMap maps the client's model family aliases to backend-specific ids.
type ModelMap struct {
	Opus   string `yaml:"opus,omitempty"`
	Sonnet string `yaml:"sonnet,omitempty"`
	Haiku  string `yaml:"haiku,omitempty"`
}

// Empty reports whether no family mapping is configured.
func (m ModelMap) Empty() bool {
	return m.Opus == "" && m.Sonnet == "" && m.Haiku == ""
}

// Backend describes one upstream provider. Immutable after load.
type Backend struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	BaseURL     string `yaml:"base_url"`
	// Auth is one of api_key, bearer, passthrough.
	Auth string `yaml:"auth"`
	// APIKey is a literal credential. Prefer APIKeyEnv.
	APIKey string `yaml:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	// Models maps family aliases to backend model ids.
	Models ModelMap `yaml:"models,omitempty"`
	// SupportsAdaptiveThinking is false for providers that reject
	// thinking type "adaptive" and need explicit enable + budget.
	SupportsAdaptiveThinking bool `yaml:"supports_adaptive_thinking"`
	// ThinkingBudgetTokens is the budget used when converting adaptive
	// thinking for this backend. Zero falls back to max_tokens-1 or 10000.
	ThinkingBudgetTokens int `yaml:"thinking_budget_tokens,omitempty"`
}

// Credential resolves the backend's credential: the literal key if set,
// otherwise the named environment variable. Returns "" when unconfigured.
func (b Backend) Credential() string {
	if b.APIKey != "" {
		return b.APIKey
	}
	if b.APIKeyEnv != "" {
		return os.Getenv(b.APIKeyEnv)
	}
	return ""
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = EnvOrDefault("LISTEN_ADDR", "127.0.0.1:8484")
	}
	if c.Defaults.RequestTimeoutSeconds == 0 {
		c.Defaults.RequestTimeoutSeconds = 600
	}
	if c.Defaults.ConnectTimeoutSeconds == 0 {
		c.Defaults.ConnectTimeoutSeconds = 5
	}
	if c.Defaults.IdleTimeoutSeconds == 0 {
		c.Defaults.IdleTimeoutSeconds = 60
	}
	if c.Defaults.PoolIdleTimeoutSeconds == 0 {
		c.Defaults.PoolIdleTimeoutSeconds = 90
	}
	if c.Defaults.PoolMaxIdlePerHost == 0 {
		c.Defaults.PoolMaxIdlePerHost = 8
	}
	if c.Defaults.MaxRetries == 0 {
		c.Defaults.MaxRetries = 3
	}
	if c.Defaults.RetryBackoffBaseMs == 0 {
		c.Defaults.RetryBackoffBaseMs = 100
	}
	if c.Thinking.Mode == "" {
		c.Thinking.Mode = ThinkingModeNative
	}
	for i := range c.Backends {
		if c.Backends[i].Auth == "" {
			c.Backends[i].Auth = AuthPassthrough
		}
		if c.Backends[i].DisplayName == "" {
			c.Backends[i].DisplayName = c.Backends[i].Name
		}
	}
}

// Validate checks the configuration for fatal misconfiguration. Any error
// returned here must abort startup; the proxy never falls back silently.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}

	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}

		if b.BaseURL == "" {
			return fmt.Errorf("backend %q: base_url is required", b.Name)
		}
		if !strings.HasPrefix(b.BaseURL, "http://") && !strings.HasPrefix(b.BaseURL, "https://") {
			return fmt.Errorf("backend %q: base_url must be http(s), got %q", b.Name, b.BaseURL)
		}

		switch b.Auth {
		case AuthAPIKey, AuthBearer:
			if b.APIKey == "" && b.APIKeyEnv == "" {
				return fmt.Errorf("backend %q: auth %q requires api_key or api_key_env", b.Name, b.Auth)
			}
		case AuthPassthrough:
		default:
			return fmt.Errorf("backend %q: unknown auth scheme %q", b.Name, b.Auth)
		}
	}

	if c.Defaults.Active != "" {
		if _, ok := seen[c.Defaults.Active]; !ok {
			return fmt.Errorf("default active backend %q is not configured", c.Defaults.Active)
		}
	}

	switch c.Thinking.Mode {
	case ThinkingModeNative, ThinkingModeStrip,
		ThinkingModeDropSignature, ThinkingModeConvertToText, ThinkingModeConvertToTags:
	default:
		return fmt.Errorf("unknown thinking mode %q", c.Thinking.Mode)
	}

	if c.AgentTeams != nil {
		if c.AgentTeams.TeammateBackend == "" {
			return fmt.Errorf("agent_teams: teammate_backend is required")
		}
		if _, ok := seen[c.AgentTeams.TeammateBackend]; !ok {
			return fmt.Errorf("agent_teams: teammate backend %q is not configured", c.AgentTeams.TeammateBackend)
		}
		for agent, backend := range c.AgentTeams.Overrides {
			if _, ok := seen[backend]; !ok {
				return fmt.Errorf("agent_teams: override for agent %q references unknown backend %q", agent, backend)
			}
		}
	}

	return nil
}
