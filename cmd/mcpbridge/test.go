package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/revittco/mcpbridge/internal/oauth"
	"github.com/revittco/mcpbridge/internal/oauthflow"
)

// cmdTest performs a one-shot connectivity probe against the first
// configured endpoint and returns the process exit code directly (spec.md
// §6: "test (one-shot connectivity probe)").
func cmdTest(args []string) int {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f, err := parseSharedFlags(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if len(cfg.Endpoints) == 0 {
		fmt.Fprintln(os.Stderr, "mcpbridge test: no endpoints configured")
		return exitConfig
	}
	ep := cfg.Endpoints[0]

	store, err := cfg.TokenStore.Open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	tokenEngine := oauthflow.NewEngine(ep.OAuthFlowConfig(), store, oauth.NewDiscoverer())
	engine, transports, err := ep.BuildEngine(tokenEngine)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, tr := range transports {
		if err := tr.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "mcpbridge test: %s connect: %v\n", tr.Kind(), err)
		}
	}

	pinger := &enginePinger{engine: engine}
	if err := pinger.Ping(ctx); err != nil {
		if _, tokenErr := tokenEngine.Token(ctx); tokenErr != nil {
			fmt.Fprintf(os.Stderr, "mcpbridge test: authentication failed: %v\n", tokenErr)
			return exitAuthorization
		}
		fmt.Fprintf(os.Stderr, "mcpbridge test: endpoint %s unreachable: %v\n", ep.ID, err)
		return exitTransport
	}

	fmt.Printf("mcpbridge test: endpoint %s reachable\n", ep.ID)
	return exitOK
}
