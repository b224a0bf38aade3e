package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/revittco/mcpbridge/internal/forwarder"
	"github.com/revittco/mcpbridge/internal/oauthflow"
	"github.com/revittco/mcpbridge/internal/strategy"
	"github.com/revittco/mcpbridge/internal/tokenstore"
	"github.com/revittco/mcpbridge/internal/transport"
)

// authHeaderSetter is satisfied by every transport that sends the
// Authorization header (HTTP, SSE); subprocess and TCP transports don't
// carry bearer tokens and are left alone.
type authHeaderSetter interface {
	SetAuthHeader(string)
}

// BuildEngine constructs the transports and strategy.Engine for one
// endpoint. Whenever the strategy reports a 401 on a transport, the onAuth
// hook (spec.md §4.4) fetches a token from tokenEngine and sets it as the
// bearer header on that transport only, if it is auth-capable.
func (e EndpointConfig) BuildEngine(tokenEngine *oauthflow.Engine) (*strategy.Engine, map[transport.Kind]transport.Transport, error) {
	strategyCfg, err := e.StrategyConfig()
	if err != nil {
		return nil, nil, err
	}
	transports, err := e.Transports(strategyCfg.RequestTimeout)
	if err != nil {
		return nil, nil, err
	}

	var onAuth strategy.AuthHandler
	if tokenEngine != nil {
		onAuth = func(ctx context.Context, kind transport.Kind) error {
			token, err := tokenEngine.Token(ctx)
			if err != nil {
				return fmt.Errorf("endpoint %s: %w", e.ID, err)
			}
			if setter, ok := transports[kind].(authHeaderSetter); ok {
				setter.SetAuthHeader("Bearer " + token)
			}
			return nil
		}
	}

	eng, err := strategy.NewEngine(strategyCfg, transports, onAuth)
	if err != nil {
		return nil, nil, err
	}
	return eng, transports, nil
}

// Open builds the token store the proxy.yaml token_store block describes,
// generating an age identity on first run when encryption is requested and
// none exists yet.
func (t TokenStoreConfig) Open() (*tokenstore.Store, error) {
	var enc *tokenstore.Encryptor
	if t.Encrypt {
		path := t.IdentityPath
		if path == "" {
			path = t.Dir + "/identity.age"
		}
		var err error
		if _, statErr := os.Stat(path); statErr == nil {
			enc, err = tokenstore.LoadIdentity(path)
		} else {
			enc, err = tokenstore.GenerateIdentity(path)
		}
		if err != nil {
			return nil, fmt.Errorf("token store identity: %w", err)
		}
	}
	return tokenstore.New(t.Dir, enc)
}

// StrategyConfig translates one endpoint's transports/timeouts/retry
// settings into a strategy.Config (spec.md §4.4).
func (e EndpointConfig) StrategyConfig() (strategy.Config, error) {
	kinds := make([]transport.Kind, 0, len(e.Transports))
	for _, t := range e.Transports {
		k, err := parseTransportKind(t)
		if err != nil {
			return strategy.Config{}, fmt.Errorf("endpoint %s: %w", e.ID, err)
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		return strategy.Config{}, fmt.Errorf("endpoint %s: no transports configured", e.ID)
	}

	cfg := strategy.DefaultConfig()
	cfg.Primary = kinds[0]
	cfg.Fallbacks = kinds[1:]
	cfg.ConnectTimeout = secOrDefault(e.ConnectTimeoutSec, cfg.ConnectTimeout)
	cfg.RequestTimeout = secOrDefault(e.RequestTimeoutSec, cfg.RequestTimeout)
	cfg.AllowPlaintextHTTP = e.AllowPlaintextHTTP
	if e.RetryAttempts > 0 {
		cfg.RetryAttempts = e.RetryAttempts
	}
	cfg.RetryBaseDelay = msOrDefault(e.RetryBaseDelayMS, cfg.RetryBaseDelay)
	if e.RetryJitter > 0 {
		cfg.RetryJitter = e.RetryJitter
	}
	return cfg, nil
}

// OAuthFlowConfig translates one endpoint's OAuth overrides into an
// oauthflow.Config seeded with spec.md §4.5's defaults.
func (e EndpointConfig) OAuthFlowConfig() oauthflow.Config {
	cfg := oauthflow.DefaultConfig(e.URL)
	cfg.StaticClient = oauthflow.StaticClient{
		ClientID:     e.OAuth.ClientID,
		ClientSecret: e.OAuth.ClientSecret,
	}
	cfg.Scopes = e.OAuth.Scopes
	cfg.CallbackPort = e.OAuth.CallbackPort
	cfg.AuthTimeout = secOrDefault(e.OAuth.AuthTimeoutSec, cfg.AuthTimeout)
	cfg.RefreshSkew = secOrDefault(e.OAuth.RefreshSkewSec, cfg.RefreshSkew)
	return cfg
}

// Transports builds a transport.Transport for each kind e names, keyed by
// kind, ready to hand to strategy.NewEngine.
func (e EndpointConfig) Transports(requestTimeout time.Duration) (map[transport.Kind]transport.Transport, error) {
	out := make(map[transport.Kind]transport.Transport, len(e.Transports))
	for _, t := range e.Transports {
		kind, err := parseTransportKind(t)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", e.ID, err)
		}
		if _, ok := out[kind]; ok {
			continue
		}
		switch kind {
		case transport.KindHTTP:
			tr, err := transport.NewHTTPTransport(e.URL, requestTimeout, e.AllowPlaintextHTTP)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: build http transport: %w", e.ID, err)
			}
			out[kind] = tr
		case transport.KindSSE:
			tr, err := transport.NewSSETransport(e.URL, e.URL, e.AllowPlaintextHTTP)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: build sse transport: %w", e.ID, err)
			}
			out[kind] = tr
		case transport.KindSubprocess:
			out[kind] = transport.NewSubprocessTransport(e.Command, e.Args, nil, 5*time.Second)
		case transport.KindTCP:
			out[kind] = transport.NewTCPTransport(e.URL)
		}
	}
	return out, nil
}

func parseTransportKind(s string) (transport.Kind, error) {
	switch s {
	case string(transport.KindHTTP), string(transport.KindSSE),
		string(transport.KindSubprocess), string(transport.KindTCP):
		return transport.Kind(s), nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Filter builds the forwarder tool-name filter described by proxy.yaml's
// tool_filter block. A script_path is read from disk relative to the
// process's working directory.
func (c *FileConfig) Filter() (*forwarder.Filter, error) {
	var script string
	if c.ToolFilter.ScriptPath != "" {
		data, err := os.ReadFile(c.ToolFilter.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read tool filter script: %w", err)
		}
		script = string(data)
	}
	return forwarder.NewFilter(c.ToolFilter.Globs, script)
}

// ProbeInterval returns the configured load-balance health-probe cadence,
// defaulting to 30s per spec.md §4.7.
func (c *FileConfig) ProbeInterval() time.Duration {
	return secOrDefault(c.LoadBalance.ProbeIntervalSec, 30*time.Second)
}
