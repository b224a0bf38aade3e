// Package config loads and validates proxy.yaml, the operator-authored
// file describing the remote endpoint(s), transport order, timeouts and
// retries, token-store location, OAuth overrides, tool filtering, and
// diagnostics — the ambient configuration layer spec.md leaves to the
// deployment (SPEC_FULL.md §4.10).
package config

import "time"

// FileConfig is the top-level proxy.yaml structure.
type FileConfig struct {
	Endpoints   []EndpointConfig  `yaml:"endpoints"`
	TokenStore  TokenStoreConfig  `yaml:"token_store"`
	ToolFilter  ToolFilterConfig  `yaml:"tool_filter"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	LoadBalance LoadBalanceConfig `yaml:"load_balance"`
}

// EndpointConfig describes one remote MCP endpoint: where it lives, which
// transports to try and in what order, and its OAuth overrides.
type EndpointConfig struct {
	ID                 string       `yaml:"id"`
	URL                string       `yaml:"url"`
	Command            string       `yaml:"command,omitempty"`
	Args               []string     `yaml:"args,omitempty"`
	Transports         []string     `yaml:"transports"`
	ConnectTimeoutSec  int          `yaml:"connect_timeout_sec"`
	RequestTimeoutSec  int          `yaml:"request_timeout_sec"`
	RetryAttempts      int          `yaml:"retry_attempts"`
	RetryBaseDelayMS   int          `yaml:"retry_base_delay_ms"`
	RetryJitter        float64      `yaml:"retry_jitter"`
	AllowPlaintextHTTP bool         `yaml:"allow_plaintext_http"`
	OAuth              OAuthConfig  `yaml:"oauth"`
}

// OAuthConfig overrides the OAuth engine's defaults for one endpoint.
type OAuthConfig struct {
	ClientID         string   `yaml:"client_id,omitempty"`
	ClientSecret     string   `yaml:"client_secret,omitempty"`
	Scopes           []string `yaml:"scopes,omitempty"`
	CallbackPort     int      `yaml:"callback_port,omitempty"`
	AuthTimeoutSec   int      `yaml:"auth_timeout_sec,omitempty"`
	RefreshSkewSec   int      `yaml:"refresh_skew_sec,omitempty"`
}

// TokenStoreConfig locates the persistent token store root and, if
// encryption is enabled, the age identity used to encrypt records at rest.
type TokenStoreConfig struct {
	Dir          string `yaml:"dir"`
	Encrypt      bool   `yaml:"encrypt"`
	IdentityPath string `yaml:"identity_path,omitempty"`
}

// ToolFilterConfig configures the glob and/or script tool-name filter.
type ToolFilterConfig struct {
	Globs      []string `yaml:"globs,omitempty"`
	ScriptPath string   `yaml:"script_path,omitempty"`
}

// DiagnosticsConfig points at the optional call-event database.
type DiagnosticsConfig struct {
	DBPath string `yaml:"db_path,omitempty"`
}

// LoadBalanceConfig configures pool mode across multiple Endpoints.
type LoadBalanceConfig struct {
	Enabled       bool `yaml:"enabled"`
	ProbeIntervalSec int `yaml:"probe_interval_sec"`
}

func secOrDefault(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
