// Package dispatcher round-robins requests over a pool of remote endpoints,
// pins responses and session-scoped notifications back to the session that
// originated the correlated request, and tracks per-endpoint health
// (spec.md §3, §4.7).
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/revittco/mcpbridge/internal/forwarder"
	"github.com/revittco/mcpbridge/internal/protocol"
)

// ErrNoHealthyEndpoint is returned when every endpoint in the pool is Down.
var ErrNoHealthyEndpoint = errors.New("dispatcher: no healthy endpoint in pool")

// Prober issues a lightweight liveness check against one endpoint. The CLI's
// enginePinger (cmd/mcpbridge/loadbalance.go) satisfies this by sending a
// "ping" request through the endpoint's strategy.Engine; tests supply a fake.
type Prober interface {
	Ping(ctx context.Context) error
}

// entry is one pool member: its session and health bookkeeping.
type entry struct {
	url     string
	session *forwarder.Session
	prober  Prober
	health  *healthState
}

// Pool round-robins new requests across Healthy endpoints, falls back to
// Degraded ones when no Healthy endpoint remains, and runs background
// health probing of Down endpoints.
type Pool struct {
	probeInterval time.Duration

	mu      sync.Mutex
	entries []*entry
	next    int // round-robin cursor

	pinMu sync.Mutex
	pins  map[string]*entry // correlation key -> the entry handling it
}

// NewPool builds an empty Pool; add endpoints with Add.
func NewPool(probeInterval time.Duration) *Pool {
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	return &Pool{
		probeInterval: probeInterval,
		pins:          make(map[string]*entry),
	}
}

// Add registers one endpoint, Healthy by default.
func (p *Pool) Add(url string, session *forwarder.Session, prober Prober) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, &entry{
		url:     url,
		session: session,
		prober:  prober,
		health:  newHealthState(p.probeInterval),
	})
}

// Dispatch routes msg (spec.md §4.7): a Response or a notification pinned to
// an in-flight request id goes back to the session that owns it; a new
// Request is load-balanced to the next eligible endpoint round-robin, which
// becomes the pin for msg's id.
func (p *Pool) Dispatch(msg *protocol.Message) error {
	key := protocol.CorrelationKey(msg.ID)

	if msg.Kind != protocol.KindRequest {
		if e := p.lookupPin(key); e != nil {
			e.session.HandleLocal(msg)
			return nil
		}
		// Unpinned notification (e.g. the local side never originated a
		// matching request): broadcast is meaningless here, so pick any
		// healthy endpoint deterministically via round-robin.
	}

	e, err := p.pick()
	if err != nil {
		return err
	}
	if msg.Kind == protocol.KindRequest {
		p.pin(key, e)
	}
	e.session.HandleLocal(msg)
	return nil
}

// ReleasePin drops id's pin once its request/response exchange is done.
func (p *Pool) ReleasePin(id json.RawMessage) {
	p.ReleasePinKey(protocol.CorrelationKey(id))
}

// ReleasePinKey drops a pin by its already-computed correlation key, for
// callers (like a Session's outcome hook) that only have the key on hand.
func (p *Pool) ReleasePinKey(key string) {
	p.pinMu.Lock()
	defer p.pinMu.Unlock()
	delete(p.pins, key)
}

func (p *Pool) pin(key string, e *entry) {
	p.pinMu.Lock()
	defer p.pinMu.Unlock()
	p.pins[key] = e
}

func (p *Pool) lookupPin(key string) *entry {
	p.pinMu.Lock()
	defer p.pinMu.Unlock()
	return p.pins[key]
}

// pick returns the next eligible endpoint in round-robin order: Healthy
// endpoints first, falling back to Degraded ones only if none are Healthy
// (spec.md §4.7, "Degraded endpoints are skipped unless the pool contains
// no Healthy endpoint").
func (p *Pool) pick() (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	if e := p.pickByStatus(Healthy); e != nil {
		return e, nil
	}
	if e := p.pickByStatus(Degraded); e != nil {
		return e, nil
	}
	return nil, ErrNoHealthyEndpoint
}

// pickByStatus must be called with p.mu held.
func (p *Pool) pickByStatus(want Health) *entry {
	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if p.entries[idx].health.get() == want {
			p.next = (idx + 1) % n
			return p.entries[idx]
		}
	}
	return nil
}

// RecordOutcome updates url's health after a request completes, applying the
// Healthy/Degraded/Down ladder.
func (p *Pool) RecordOutcome(url string, retryable bool, now time.Time) {
	p.mu.Lock()
	e := p.findLocked(url)
	p.mu.Unlock()
	if e == nil {
		return
	}
	if retryable {
		e.health.recordRetryableFailure(now)
	} else {
		e.health.recordSuccess(now)
	}
}

func (p *Pool) findLocked(url string) *entry {
	for _, e := range p.entries {
		if e.url == url {
			return e
		}
	}
	return nil
}

// ProbeDown concurrently pings every Down endpoint whose next probe is due,
// using errgroup, matching
// the teacher's concurrent downstream fan-out (SPEC_FULL.md §4.7).
func (p *Pool) ProbeDown(ctx context.Context) error {
	p.mu.Lock()
	due := make([]*entry, 0, len(p.entries))
	now := time.Now()
	for _, e := range p.entries {
		if e.health.dueForProbe(now) {
			due = append(due, e)
		}
	}
	p.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, e := range due {
		e := e
		g.Go(func() error {
			err := e.prober.Ping(gCtx)
			e.health.recordProbeResult(err == nil, time.Now())
			if err != nil {
				slog.Warn("health probe failed", "endpoint", e.url, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("probe down endpoints: %w", err)
	}
	return nil
}

// RunHealthLoop probes Down endpoints on a fixed ticker until ctx is done.
func (p *Pool) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ProbeDown(ctx); err != nil {
				slog.Warn("health probe loop error", "error", err)
			}
		}
	}
}

// Status reports each endpoint's current health, for diagnostics/CLI.
func (p *Pool) Status() map[string]Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Health, len(p.entries))
	for _, e := range p.entries {
		out[e.url] = e.health.get()
	}
	return out
}
