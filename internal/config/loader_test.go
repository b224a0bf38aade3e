package config

import (
	"strings"
	"testing"
)

const validYAML = `
endpoints:
  - id: primary
    url: https://mcp.example.test
    transports: [http, sse]
    oauth:
      scopes: [tools.read]
token_store:
  dir: /tmp/mcp-auth
tool_filter:
  globs:
    - "admin.*"
diagnostics:
  db_path: /tmp/diagnostics.sqlite
`

func TestParse_ValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].ID != "primary" {
		t.Fatalf("unexpected endpoints: %+v", cfg.Endpoints)
	}
	if cfg.TokenStore.Dir != "/tmp/mcp-auth" {
		t.Fatalf("unexpected token store dir: %q", cfg.TokenStore.Dir)
	}
}

func TestParse_MissingEndpointsFails(t *testing.T) {
	_, err := Parse([]byte("token_store:\n  dir: /tmp\n"))
	if err == nil {
		t.Fatal("expected validation error for missing endpoints")
	}
	if !strings.Contains(err.Error(), "endpoints") {
		t.Fatalf("expected endpoints error, got %v", err)
	}
}

func TestParse_UnknownTransportFails(t *testing.T) {
	bad := `
endpoints:
  - id: primary
    url: https://mcp.example.test
    transports: [carrier-pigeon]
`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected validation error for unknown transport")
	}
}

func TestParse_DuplicateEndpointIDFails(t *testing.T) {
	bad := `
endpoints:
  - id: dup
    url: https://a.example.test
    transports: [http]
  - id: dup
    url: https://b.example.test
    transports: [http]
`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected validation error for duplicate endpoint id")
	}
}

func TestParse_LoadBalanceRequiresTwoEndpoints(t *testing.T) {
	bad := `
endpoints:
  - id: solo
    url: https://a.example.test
    transports: [http]
load_balance:
  enabled: true
`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected validation error for load_balance with one endpoint")
	}
}

func TestEndpointConfig_StrategyConfigOrdersFallbacks(t *testing.T) {
	ep := EndpointConfig{ID: "primary", Transports: []string{"http", "sse", "tcp"}}
	cfg, err := ep.StrategyConfig()
	if err != nil {
		t.Fatalf("strategy config: %v", err)
	}
	if string(cfg.Primary) != "http" || len(cfg.Fallbacks) != 2 {
		t.Fatalf("unexpected strategy config: %+v", cfg)
	}
}
