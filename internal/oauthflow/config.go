// Package oauthflow drives the OAuth engine's state machine — discovery,
// dynamic client registration, the PKCE authorization-code flow, refresh,
// and multi-instance coordination — described in spec.md §4.5. It is built
// on the wire-level primitives in internal/oauth and persists through
// internal/tokenstore rather than the teacher's database-backed store.
package oauthflow

import (
	"time"

	"github.com/revittco/mcpbridge/internal/oauth"
)

// StaticClient is operator-supplied client info that bypasses dynamic
// registration entirely (spec.md §4.5, "If no static client info was
// supplied ... the engine registers as a public client").
type StaticClient struct {
	ClientID     string
	ClientSecret string
}

// Config is one remote endpoint's OAuth engine configuration.
type Config struct {
	Endpoint string

	// StaticMetadata is used when discovery of
	// .well-known/oauth-authorization-server fails.
	StaticMetadata *oauth.AuthServerMetadata
	StaticClient   StaticClient
	Scopes         []string

	// CallbackPort pins the loopback listener's port; 0 picks an ephemeral
	// one.
	CallbackPort int

	AuthTimeout      time.Duration
	RefreshSkew      time.Duration
	LockPollInterval time.Duration

	// OpenURL launches the authorization URL in the user's browser. Tests
	// supply a fake; the zero value defaults to the platform opener.
	OpenURL func(url string) error
}

// DefaultConfig fills in spec.md §4.5's documented defaults for endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:         endpoint,
		AuthTimeout:      5 * time.Minute,
		RefreshSkew:      60 * time.Second,
		LockPollInterval: 2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Minute
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = 60 * time.Second
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = 2 * time.Second
	}
	if c.OpenURL == nil {
		c.OpenURL = openBrowser
	}
}
