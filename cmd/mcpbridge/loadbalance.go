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
	"github.com/revittco/mcpbridge/internal/dispatcher"
	"github.com/revittco/mcpbridge/internal/forwarder"
	"github.com/revittco/mcpbridge/internal/localio"
	"github.com/revittco/mcpbridge/internal/oauth"
	"github.com/revittco/mcpbridge/internal/oauthflow"
	"github.com/revittco/mcpbridge/internal/protocol"
	"github.com/revittco/mcpbridge/internal/strategy"
)

// enginePinger issues a lightweight "ping" request straight through an
// endpoint's strategy.Engine, satisfying dispatcher.Prober for health
// probing of Down endpoints (spec.md §4.7).
type enginePinger struct {
	engine *strategy.Engine
}

func (p *enginePinger) Ping(ctx context.Context) error {
	raw, err := protocol.NewRequest(json.RawMessage(`"health-probe"`), "ping", nil)
	if err != nil {
		return err
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	_, _, err = p.engine.Execute(ctx, nil, msg)
	return err
}

// cmdLoadBalance runs pool mode: every endpoint gets its own session and
// strategy engine; the dispatcher round-robins requests across them and
// tracks per-endpoint health (spec.md §3, §4.7).
func cmdLoadBalance(args []string) error {
	fs := flag.NewFlagSet("load-balance", flag.ContinueOnError)
	f, err := parseSharedFlags(fs, args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if len(cfg.Endpoints) < 2 {
		return fmt.Errorf("%w: load-balance mode requires at least two endpoints", errConfig)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	endpoint := localio.New(os.Stdin, os.Stdout, 0)
	setupLogging(f, endpoint)

	store, err := cfg.TokenStore.Open()
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

	pool := dispatcher.NewPool(cfg.ProbeInterval())
	discoverer := oauth.NewDiscoverer()

	for _, ep := range cfg.Endpoints {
		tokenEngine := oauthflow.NewEngine(ep.OAuthFlowConfig(), store, discoverer)
		engine, transports, err := ep.BuildEngine(tokenEngine)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}

		sessCfg := forwarder.Config{RequestTimeout: secToDuration(ep.RequestTimeoutSec)}
		session := forwarder.NewSession(ctx, sessCfg, engine, filter, endpoint.Writer())
		session.OnOutcome = recordAndReportOutcome(recorder, pool, ep.ID)

		for _, tr := range transports {
			if err := tr.Connect(ctx); err != nil {
				slog.Warn("initial transport connect failed, will retry on demand", "endpoint", ep.ID, "transport", tr.Kind(), "error", err)
			}
			go session.PumpNotifications(ctx, tr)
		}

		pool.Add(ep.ID, session, &enginePinger{engine: engine})
	}

	go pool.RunHealthLoop(ctx)

	runErr := endpoint.Run(ctx, func(msg *protocol.Message) {
		if err := pool.Dispatch(msg); err != nil {
			writePoolError(endpoint, msg.ID, err)
		}
	})
	return runErr
}

func writePoolError(endpoint *localio.Endpoint, id json.RawMessage, err error) {
	raw, buildErr := protocol.NewError(id, protocol.CodeInternalError, err.Error())
	if buildErr != nil {
		slog.Error("failed to build pool dispatch error", "error", buildErr)
		return
	}
	if err := endpoint.Writer().WriteMessage(raw); err != nil {
		slog.Warn("failed to write pool dispatch error", "error", err)
	}
}

// recordAndReportOutcome wraps recordOutcome so the same completion also
// feeds the dispatcher's health ladder: a non-success, non-cancelled
// outcome counts as a retryable failure for that endpoint.
func recordAndReportOutcome(recorder *diagnostics.Recorder, pool *dispatcher.Pool, endpointID string) func(forwarder.Outcome) {
	record := recordOutcome(recorder, endpointID)
	return func(o forwarder.Outcome) {
		record(o)
		retryable := !o.Success && !o.Cancelled
		pool.RecordOutcome(endpointID, retryable, time.Now())
		pool.ReleasePinKey(o.RequestID)
	}
}
