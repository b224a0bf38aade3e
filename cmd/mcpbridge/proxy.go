package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/revittco/mcpbridge/internal/diagnostics"
	"github.com/revittco/mcpbridge/internal/forwarder"
	"github.com/revittco/mcpbridge/internal/localio"
	"github.com/revittco/mcpbridge/internal/oauth"
	"github.com/revittco/mcpbridge/internal/oauthflow"
)

// cmdProxy runs single-endpoint mode: one remote, the configured transport
// order and fallback chain, OAuth, tool filtering, and diagnostics, relayed
// over stdin/stdout (spec.md §2, §4.6).
func cmdProxy(args []string) error {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	f, err := parseSharedFlags(fs, args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("%w: proxy mode requires at least one endpoint", errConfig)
	}
	ep := cfg.Endpoints[0]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	endpoint := localio.New(os.Stdin, os.Stdout, 0)
	setupLogging(f, endpoint)

	store, err := cfg.TokenStore.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	tokenEngine := oauthflow.NewEngine(ep.OAuthFlowConfig(), store, oauth.NewDiscoverer())

	engine, transports, err := ep.BuildEngine(tokenEngine)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	recorder, err := diagnostics.Open(ctx, cfg.Diagnostics.DBPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	defer recorder.Close(context.Background())

	filter, err := cfg.Filter()
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	sessCfg := forwarder.Config{
		RequestTimeout: secToDuration(ep.RequestTimeoutSec),
	}
	session := forwarder.NewSession(ctx, sessCfg, engine, filter, endpoint.Writer())
	session.OnOutcome = recordOutcome(recorder, ep.ID)

	for _, tr := range transports {
		if err := tr.Connect(ctx); err != nil {
			slog.Warn("initial transport connect failed, will retry on demand", "transport", tr.Kind(), "error", err)
		}
		go session.PumpNotifications(ctx, tr)
	}

	runErr := endpoint.Run(ctx, session.HandleLocal)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := session.Shutdown(shutdownCtx); err != nil {
		slog.Warn("session shutdown did not complete cleanly", "error", err)
	}
	return runErr
}

func secToDuration(sec int) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

// setupLogging wires human-readable stderr logging by default, or the
// notification-logging mode resolved in the Design Notes' Open Question
// (spec.md §4.8): JSON-RPC `notifications/message` frames on the same
// stdout writer the forwarder uses for replies.
func setupLogging(f *sharedFlags, endpoint *localio.Endpoint) {
	if f.logNotifications {
		slog.SetDefault(slog.New(localio.NewNotificationHandler(endpoint.Writer())))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
}

// recordOutcome adapts a forwarder.Outcome into a diagnostics.Event. A nil
// recorder (no database path configured) makes this a no-op via Recorder's
// nil-receiver safety.
func recordOutcome(recorder *diagnostics.Recorder, endpointID string) func(forwarder.Outcome) {
	return func(o forwarder.Outcome) {
		outcome := diagnostics.OutcomeSuccess
		switch {
		case o.TimedOut:
			outcome = diagnostics.OutcomeTimeout
		case o.Cancelled:
			outcome = diagnostics.OutcomeCancelled
		case !o.Success:
			outcome = diagnostics.OutcomeError
		}
		recorder.Record(&diagnostics.Event{
			RequestID: o.RequestID,
			Method:    o.Method,
			ToolName:  o.ToolName,
			Transport: string(o.Transport),
			Outcome:   outcome,
			Latency:   o.Latency,
			Params:    json.RawMessage(fmt.Sprintf(`{"endpoint":%q}`, endpointID)),
			At:        time.Now(),
		})
	}
}
